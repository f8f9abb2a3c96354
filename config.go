package atlas

import (
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Host is one seed or discovered cluster address.
type Host struct {
	Name string
	Port int
}

func (h Host) String() string {
	return net.JoinHostPort(h.Name, fmt.Sprintf("%d", h.Port))
}

// NewHost builds a Host from name and port.
func NewHost(name string, port int) Host {
	return Host{Name: name, Port: port}
}

// ClientPolicy configures the cluster-wide behavior of a client: tending,
// pooling, node health thresholds. Per-command behavior lives in
// BasePolicy / WritePolicy.
type ClientPolicy struct {
	// ConnectTimeout bounds the initial cluster stabilization and each
	// dial. Default 3s.
	ConnectTimeout time.Duration

	// TendInterval is the pause between topology refresh cycles.
	// Default 1s.
	TendInterval time.Duration

	// MaxConnsPerNode bounds each node's connection pool. Default 128.
	MaxConnsPerNode int32

	// IdleTimeout closes pooled connections that sat unused this long.
	// Zero disables the sweep. Default 55s.
	IdleTimeout time.Duration

	// MaxConnLifetime recycles connections regardless of use. Zero means
	// no limit.
	MaxConnLifetime time.Duration

	// SuspectThreshold is the consecutive-failure count that moves a node
	// from Active to Suspect. Default 3.
	SuspectThreshold int32

	// DownThreshold is the consecutive-failure count that moves a node to
	// Down, excluding it from routing. Default 5.
	DownThreshold int32

	// RemovalGracePeriod is how long a Down node survives before the tend
	// loop drops it from the cluster. Default 10s.
	RemovalGracePeriod time.Duration

	// RackID is the client's rack for ReplicaMasterPreferRack reads.
	RackID int

	// FailIfNotConnected makes NewClient return an error when no seed
	// responds during stabilization. Default true.
	FailIfNotConnected bool

	// Codec converts between Go values and wire payloads. Nil selects the
	// built-in scalar codec.
	Codec ValueCodec

	// Logger receives tend-loop and sweep diagnostics. Nil discards them.
	Logger Logger

	// NewCircuitBreaker, when set, creates a breaker guarding each node's
	// command traffic. Called once per node.
	NewCircuitBreaker func(nodeAddr string) *gobreaker.CircuitBreaker[bool]

	// Dialer overrides the net.Dialer used for node connections.
	Dialer *net.Dialer
}

// NewClientPolicy returns the stock client policy.
func NewClientPolicy() *ClientPolicy {
	return &ClientPolicy{
		ConnectTimeout:     3 * time.Second,
		TendInterval:       time.Second,
		MaxConnsPerNode:    128,
		IdleTimeout:        55 * time.Second,
		SuspectThreshold:   3,
		DownThreshold:      5,
		RemovalGracePeriod: 10 * time.Second,
		FailIfNotConnected: true,
	}
}

// validate fills defaults and rejects misconfiguration. Invalid values are
// a programming error and fail construction, never a running operation.
func (p *ClientPolicy) validate() error {
	if p.TendInterval <= 0 {
		p.TendInterval = time.Second
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = 3 * time.Second
	}
	if p.MaxConnsPerNode <= 0 {
		return fmt.Errorf("atlas: MaxConnsPerNode must be positive, got %d", p.MaxConnsPerNode)
	}
	if p.SuspectThreshold <= 0 {
		p.SuspectThreshold = 3
	}
	if p.DownThreshold < p.SuspectThreshold {
		return fmt.Errorf("atlas: DownThreshold (%d) must be >= SuspectThreshold (%d)",
			p.DownThreshold, p.SuspectThreshold)
	}
	if p.Codec == nil {
		p.Codec = defaultCodec{}
	}
	if p.Logger == nil {
		p.Logger = nopLogger{}
	}
	if p.Dialer == nil {
		p.Dialer = &net.Dialer{Timeout: p.ConnectTimeout}
	}
	return nil
}
