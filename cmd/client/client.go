package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"xchange/internal/common"
	xnet "xchange/internal/net"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "address of the exchange server")
	owner := flag.String("owner", "", "owner username (compulsory)")
	action := flag.String("action", "place", "action to perform: ['place', 'cancel', 'depth']")

	ticker := flag.String("ticker", "AAPL", "ticker symbol")
	sideStr := flag.String("side", "buy", "order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "order type: 'limit' or 'market'")
	price := flag.String("price", "100.00", "limit price (ignored for market orders)")
	qtyStr := flag.String("qty", "10", "quantity or comma-separated list, e.g. 10,20,50")

	orderID := flag.Uint64("order-id", 0, "order id to cancel")
	levels := flag.Int("levels", 5, "number of depth levels to request")

	flag.Parse()

	if *owner == "" && *action != "depth" {
		fmt.Println("Error: -owner is compulsory.")
		flag.Usage()
		os.Exit(1)
	}

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s as '%s'\n", *serverAddr, *owner)

	go readReports(conn)
	go sendHeartbeats(conn, 2*time.Second)

	side := common.Buy
	if strings.ToLower(*sideStr) == "sell" {
		side = common.Sell
	}
	orderType := common.Limit
	if strings.ToLower(*typeStr) == "market" {
		orderType = common.Market
	}

	switch strings.ToLower(*action) {
	case "place":
		for _, qty := range parseQuantities(*qtyStr) {
			msg := xnet.NewOrderMessage{
				Ticker:   strings.ToUpper(*ticker),
				Side:     side,
				Type:     orderType,
				Price:    priceField(orderType, *price),
				Size:     qty,
				Username: *owner,
			}
			if _, err := conn.Write(msg.Serialize()); err != nil {
				log.Printf("failed to place order (qty %s): %v", qty, err)
				continue
			}
			fmt.Printf("-> sent %s %s %s @ %s\n", strings.ToUpper(*sideStr), *ticker, qty, *price)
			time.Sleep(5 * time.Millisecond)
		}

	case "cancel":
		if *orderID == 0 {
			log.Fatal("Error: -order-id is required for cancellation")
		}
		msg := xnet.CancelOrderMessage{Username: *owner, OrderID: common.OrderID(*orderID)}
		if _, err := conn.Write(msg.Serialize()); err != nil {
			log.Printf("failed to send cancel request: %v", err)
		} else {
			fmt.Printf("-> sent cancel request for order %d\n", *orderID)
		}

	case "depth":
		msg := xnet.DepthQueryMessage{Ticker: strings.ToUpper(*ticker), Levels: *levels}
		if _, err := conn.Write(msg.Serialize()); err != nil {
			log.Printf("failed to send depth request: %v", err)
		} else {
			fmt.Printf("-> sent depth request for %s\n", *ticker)
		}

	default:
		log.Fatalf("unknown action: %s", *action)
	}

	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	select {}
}

// priceField blanks the price field for market orders, since the wire
// protocol uses an empty string to mean "no price".
func priceField(orderType common.OrderType, price string) string {
	if orderType == common.Market {
		return ""
	}
	return price
}

// parseQuantities splits a comma-separated string into its parts,
// skipping anything that isn't a valid non-negative integer.
func parseQuantities(input string) []string {
	var result []string
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		if _, err := strconv.ParseUint(p, 10, 64); err == nil {
			result = append(result, p)
		} else {
			log.Printf("warning: invalid quantity %q, skipping", p)
		}
	}
	return result
}

// sendHeartbeats keeps the connection's server-side read deadline from
// expiring while the client is only listening for reports.
func sendHeartbeats(conn net.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		msg := xnet.HeartbeatMessage{SentAt: time.Now()}
		if _, err := conn.Write(msg.Serialize()); err != nil {
			return
		}
	}
}

// readReports continuously reads Report frames off conn
// and prints them. Each call to conn.Read may return more than one
// logical report if the server buffers writes, but the server currently
// writes one report per conn.Write, so one Read is treated as one frame;
// this mirrors how the server itself reads client frames.
func readReports(conn net.Conn) {
	buf := make([]byte, 4*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("connection lost: %v", err)
			os.Exit(0)
		}
		printReport(buf[:n])
	}
}

func printReport(frame []byte) {
	report, err := xnet.ParseReport(frame)
	if err != nil {
		fmt.Printf("[CLIENT] malformed report: %v\n", err)
		return
	}

	switch report.Type {
	case xnet.ErrorReport:
		fmt.Printf("\n[ERROR] order=%s: %s\n", report.ClientOrderID, report.Err)
	case xnet.ExecutionReport:
		fmt.Printf("\n[EXECUTION] order=%d status=%s", report.OrderID, report.Status)
		for _, f := range report.Fills {
			fmt.Printf(" fill(trade=%d price=%s size=%s)", f.TradeID, f.Price, f.Size)
		}
		fmt.Println()
	case xnet.DepthReport:
		fmt.Println("\n[DEPTH]")
		for _, l := range report.DepthLevels {
			fmt.Printf("  price=%s size=%s\n", l.Price, l.Size)
		}
	default:
		fmt.Println("[CLIENT] received unknown report type")
	}
}
