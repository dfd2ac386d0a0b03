package fabric

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/hyperledger/fabric-gateway/pkg/hash"
	"github.com/hyperledger/fabric-gateway/pkg/identity"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Config locates the network and the gateway identity. All paths come from
// configuration; nothing here is read from ambient globals.
type Config struct {
	ConnectionProfile string
	WalletPath        string
	Identity          string
	Peer              string
	AsLocalhost       bool
	Channel           string

	EvaluateTimeout     time.Duration
	EndorseTimeout      time.Duration
	SubmitTimeout       time.Duration
	CommitStatusTimeout time.Duration
}

// Connector implements ledger.Connector for a Fabric gateway peer. The gRPC
// connection and the signing identity are shared by all sessions; each
// session is a separate client.Gateway.
type Connector struct {
	conn    *grpc.ClientConn
	id      *identity.X509Identity
	sign    identity.Sign
	channel string
	cfg     Config
	logger  *zap.Logger
}

// NewConnector loads the profile and wallet identity and opens the shared gRPC
// connection to the gateway peer.
func NewConnector(cfg Config, logger *zap.Logger) (*Connector, error) {
	profile, err := LoadProfile(cfg.ConnectionProfile)
	if err != nil {
		return nil, err
	}
	peer, err := profile.GatewayPeer(cfg.Peer, cfg.AsLocalhost)
	if err != nil {
		return nil, err
	}

	wid, err := LoadWalletIdentity(cfg.WalletPath, cfg.Identity)
	if err != nil {
		return nil, err
	}
	if msp := profile.MSPID(); msp != "" && msp != wid.MSPID {
		logger.Warn("wallet identity MSP differs from connection profile client organization",
			zap.String("identity_msp", wid.MSPID),
			zap.String("profile_msp", msp),
		)
	}
	id, sign, err := wid.Signer()
	if err != nil {
		return nil, err
	}

	creds := insecure.NewCredentials()
	if peer.TLS {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(peer.CACertPEM) {
			return nil, fmt.Errorf("peer %q: no usable TLS CA certificate", peer.Name)
		}
		creds = credentials.NewClientTLSFromCert(pool, peer.ServerNameOverride)
	}

	conn, err := grpc.NewClient(peer.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create gRPC connection to %s: %w", peer.Target, err)
	}
	conn.Connect()

	logger.Info("fabric gateway configured",
		zap.String("peer", peer.Name),
		zap.String("target", peer.Target),
		zap.Bool("tls", peer.TLS),
		zap.String("identity", wid.Label),
		zap.String("msp", wid.MSPID),
		zap.String("channel", cfg.Channel),
	)

	return &Connector{
		conn:    conn,
		id:      id,
		sign:    sign,
		channel: cfg.Channel,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Connect implements ledger.Connector.
func (c *Connector) Connect(ctx context.Context) (ledger.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, ledger.Classify(err)
	}
	gw, err := client.Connect(c.id,
		client.WithSign(c.sign),
		client.WithHash(hash.SHA256),
		client.WithClientConnection(c.conn),
		client.WithEvaluateTimeout(orDefault(c.cfg.EvaluateTimeout, 5*time.Second)),
		client.WithEndorseTimeout(orDefault(c.cfg.EndorseTimeout, 15*time.Second)),
		client.WithSubmitTimeout(orDefault(c.cfg.SubmitTimeout, 5*time.Second)),
		client.WithCommitStatusTimeout(orDefault(c.cfg.CommitStatusTimeout, time.Minute)),
	)
	if err != nil {
		return nil, mapError(err, false)
	}
	return &session{gw: gw, network: gw.GetNetwork(c.channel)}, nil
}

// Close releases the shared gRPC connection.
func (c *Connector) Close() error {
	return c.conn.Close()
}

type session struct {
	gw      *client.Gateway
	network *client.Network
}

func (s *session) Submit(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	out, err := s.network.GetContract(contract).SubmitWithContext(ctx, transaction, client.WithArguments(args...))
	return out, mapError(err, false)
}

func (s *session) Evaluate(ctx context.Context, contract, transaction string, args ...string) ([]byte, error) {
	out, err := s.network.GetContract(contract).EvaluateWithContext(ctx, transaction, client.WithArguments(args...))
	return out, mapError(err, true)
}

func (s *session) Close() error {
	return s.gw.Close()
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
