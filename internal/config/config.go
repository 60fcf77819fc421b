// Package config parses the flags cmd/server needs to start a listener
// and a store, grounded on the teacher's flag-based cmd/client.
package config

import "flag"

// Config holds every flag cmd/server accepts.
type Config struct {
	Address string
	Port    int

	SQLitePath string // empty uses the in-memory store

	AuditDrainWorkers  int
	AuditDrainInterval string // parsed by cmd/server via time.ParseDuration

	NetWorkers int
}

// Parse reads os.Args[1:] (via flag.Parse) into a Config.
func Parse() Config {
	address := flag.String("address", "0.0.0.0", "address to listen on")
	port := flag.Int("port", 9001, "port to listen on")
	sqlitePath := flag.String("sqlite", "", "sqlite database path (empty for in-memory store)")
	auditWorkers := flag.Int("audit-workers", 4, "audit outbox drain worker count")
	auditInterval := flag.String("audit-interval", "250ms", "audit outbox poll interval")
	netWorkers := flag.Int("net-workers", 10, "connection worker pool size")

	flag.Parse()

	return Config{
		Address:            *address,
		Port:               *port,
		SQLitePath:         *sqlitePath,
		AuditDrainWorkers:  *auditWorkers,
		AuditDrainInterval: *auditInterval,
		NetWorkers:         *netWorkers,
	}
}
