package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"xchange/internal/book"
	"xchange/internal/common"
	"xchange/internal/decimal"
)

const (
	maxRecvSize        = 4 * 1024
	defaultNWorkers    = 10
	defaultConnTimeout = 5 * time.Second
)

var (
	ErrImproperConversion = errors.New("net: improper type conversion")
	ErrClientDoesNotExist = errors.New("net: client does not exist")
)

// clientSession is the per-connection state the server tracks.
type clientSession struct {
	conn net.Conn
}

// clientMessage links a parsed message to the connection it arrived on.
type clientMessage struct {
	clientAddress string
	message       Message
}

// Engine is the subset of internal/engine.Coordinator the wire layer
// depends on, kept as an interface so tests can stub it without a real
// store.
type Engine interface {
	SubmitOrder(ctx context.Context, user, ticker string, side common.Side, typ common.OrderType, price, size common.D) (common.Order, []common.Trade, error)
	CancelOrder(ctx context.Context, user string, orderID common.OrderID) (common.Order, error)
	Depth(ctx context.Context, ticker string, levels int) (bids, asks []book.DepthLevel, lastPrice common.D, err error)
}

// Server is the TCP order gateway binding the wire formats of
// messages.go onto an Engine.
type Server struct {
	address string
	port    int
	engine  Engine

	pool               workerPool
	cancel             context.CancelFunc
	clientSessions     map[string]clientSession
	clientSessionsLock sync.Mutex
	clientMessages     chan clientMessage
}

// New builds a Server listening on address:port and dispatching onto
// engine, with a connection worker pool of the given size (defaulted if
// workers <= 0).
func New(address string, port int, engine Engine, workers int) *Server {
	if workers <= 0 {
		workers = defaultNWorkers
	}
	return &Server{
		address:        address,
		port:           port,
		engine:         engine,
		pool:           newWorkerPool(workers),
		clientSessions: make(map[string]clientSession),
		clientMessages: make(chan clientMessage, 1),
	}
}

func (s *Server) Shutdown() {
	log.Info().Msg("net: server shutting down")
	if s.cancel != nil {
		s.cancel()
	}
}

// Run accepts connections and serves them until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	defer s.Shutdown()

	ctx, s.cancel = context.WithCancel(ctx)
	t, ctx := tomb.WithContext(ctx)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.address, s.port))
	if err != nil {
		log.Error().Err(err).Msg("net: unable to start listener")
		return
	}
	defer func() {
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("net: unable to close listener")
		}
	}()

	t.Go(func() error {
		s.pool.setup(t, s.handleConnection)
		return nil
	})
	t.Go(func() error {
		return s.sessionHandler(ctx, t)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("net: server running")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Msg("net: error accepting client")
				continue
			}
			log.Info().Str("address", conn.RemoteAddr().String()).Msg("net: new client connected")
			s.addClientSession(conn)
			s.pool.addTask(conn)
		}
	}
}

// sessionHandler drains parsed messages and dispatches them against the
// engine. Kept on its own goroutine so a slow engine call never blocks a
// connection worker from reading the next frame.
func (s *Server) sessionHandler(ctx context.Context, t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case msg := <-s.clientMessages:
			if err := s.handleMessage(ctx, msg); err != nil {
				log.Error().Err(err).Str("clientAddress", msg.clientAddress).Msg("net: error handling message")
			}
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, msg clientMessage) error {
	switch m := msg.message.(type) {
	case NewOrderMessage:
		return s.handleNewOrder(ctx, msg.clientAddress, m)
	case CancelOrderMessage:
		return s.handleCancelOrder(ctx, msg.clientAddress, m)
	case DepthQueryMessage:
		return s.handleDepthQuery(ctx, msg.clientAddress, m)
	case BaseMessage:
		return nil // heartbeat: presence of the connection is the only signal
	default:
		log.Error().Msg("net: invalid message type")
		return ErrInvalidMessageType
	}
}

func (s *Server) handleNewOrder(ctx context.Context, clientAddress string, m NewOrderMessage) error {
	price := decimal.Zero2
	if m.Price != "" {
		var err error
		if price, err = decimal.Parse(m.Price, decimal.Scale2); err != nil {
			return s.sendReport(clientAddress, errorReport(m.ClientOrderID, err))
		}
	}
	size, err := decimal.Parse(m.Size, decimal.Scale2)
	if err != nil {
		return s.sendReport(clientAddress, errorReport(m.ClientOrderID, err))
	}

	order, trades, err := s.engine.SubmitOrder(ctx, m.Username, m.Ticker, m.Side, m.Type, price, size)
	if err != nil {
		log.Error().Err(err).Str("clientAddress", clientAddress).Msg("net: order rejected")
		return s.sendReport(clientAddress, errorReport(m.ClientOrderID, err))
	}

	fills := make([]TradeFill, len(trades))
	for i, tr := range trades {
		fills[i] = TradeFill{TradeID: tr.ID, Price: tr.Price.String(), Size: tr.Size.String()}
	}
	return s.sendReport(clientAddress, Report{
		Type:          ExecutionReport,
		ClientOrderID: m.ClientOrderID,
		OrderID:       order.ID,
		Status:        order.Status.String(),
		Fills:         fills,
	})
}

func (s *Server) handleCancelOrder(ctx context.Context, clientAddress string, m CancelOrderMessage) error {
	order, err := s.engine.CancelOrder(ctx, m.Username, m.OrderID)
	if err != nil {
		log.Error().Err(err).Str("clientAddress", clientAddress).Uint64("orderID", uint64(m.OrderID)).Msg("net: cancel failed")
		return s.sendReport(clientAddress, errorReport("", err))
	}
	return s.sendReport(clientAddress, Report{
		Type:    ExecutionReport,
		OrderID: order.ID,
		Status:  order.Status.String(),
	})
}

func (s *Server) handleDepthQuery(ctx context.Context, clientAddress string, m DepthQueryMessage) error {
	bids, asks, _, err := s.engine.Depth(ctx, m.Ticker, m.Levels)
	if err != nil {
		return s.sendReport(clientAddress, errorReport("", err))
	}
	levels := make([]DepthLevelWire, 0, len(bids)+len(asks))
	for _, b := range bids {
		levels = append(levels, DepthLevelWire{Price: b.Price.String(), Size: b.Size.String()})
	}
	for _, a := range asks {
		levels = append(levels, DepthLevelWire{Price: a.Price.String(), Size: a.Size.String()})
	}
	return s.sendReport(clientAddress, Report{Type: DepthReport, DepthLevels: levels})
}

func (s *Server) sendReport(clientAddress string, report Report) error {
	s.clientSessionsLock.Lock()
	client, ok := s.clientSessions[clientAddress]
	s.clientSessionsLock.Unlock()
	if !ok {
		return ErrClientDoesNotExist
	}

	buf, err := report.Serialize()
	if err != nil {
		return err
	}
	if _, err := client.conn.Write(buf); err != nil {
		s.deleteClientSession(clientAddress)
		return fmt.Errorf("net: unable to send report: %w", err)
	}
	return nil
}

// handleConnection reads the next frame off conn, parses it, and hands it
// to sessionHandler, re-queuing itself to read the connection's next
// frame. Any error returned here is fatal to this worker.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	conn, ok := task.(net.Conn)
	if !ok {
		return ErrImproperConversion
	}

	if err := conn.SetReadDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		log.Error().Str("address", conn.RemoteAddr().String()).Err(err).Msg("net: failed setting read deadline")
		conn.Close()
		return nil
	}

	buffer := make([]byte, maxRecvSize)
	select {
	case <-t.Dying():
		return nil
	default:
		n, err := conn.Read(buffer)
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("net: error reading from connection")
			s.deleteClientSession(conn.RemoteAddr().String())
			conn.Close()
			return nil
		}

		message, err := parseMessage(buffer[:n])
		if err != nil {
			log.Error().Err(err).Str("address", conn.RemoteAddr().String()).Msg("net: error parsing message")
			s.deleteClientSession(conn.RemoteAddr().String())
			conn.Close()
			return nil
		}

		s.clientMessages <- clientMessage{
			message:       message,
			clientAddress: conn.RemoteAddr().String(),
		}
		s.pool.addTask(conn)
	}
	return nil
}

func (s *Server) addClientSession(conn net.Conn) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	s.clientSessions[conn.RemoteAddr().String()] = clientSession{conn: conn}
}

func (s *Server) deleteClientSession(address string) {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	delete(s.clientSessions, address)
}
