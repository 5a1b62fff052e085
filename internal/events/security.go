package events

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// SASL mechanism names as Kafka spells them.
const (
	MechanismPlain     = "PLAIN"
	MechanismScram256  = "SCRAM-SHA-256"
	MechanismScram512  = "SCRAM-SHA-512"
	defaultDialTimeout = 8 * time.Second
)

// Security holds broker authentication. The zero value is plaintext
// without SASL.
type Security struct {
	Mechanism string
	Username  string
	Password  string
	TLS       bool
	// CAFile adds a PEM bundle to the system roots. Implies TLS.
	CAFile string
}

func (s Security) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(strings.TrimSpace(s.Mechanism)) {
	case "":
		return nil, nil
	case MechanismPlain:
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case MechanismScram256:
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case MechanismScram512:
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", s.Mechanism)
	}
}

func (s Security) tlsConfig() (*tls.Config, error) {
	if !s.TLS && s.CAFile == "" {
		return nil, nil
	}
	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %s: no certificates found", s.CAFile)
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

// Dialer builds the reader dialer.
func (s Security) Dialer() (*kafka.Dialer, error) {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return nil, err
	}
	mech, err := s.mechanism()
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       defaultDialTimeout,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

// Transport builds the writer transport.
func (s Security) Transport() (*kafka.Transport, error) {
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	mech, err := s.mechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl config: %w", err)
	}
	return &kafka.Transport{
		TLS:         tlsConf,
		SASL:        mech,
		DialTimeout: defaultDialTimeout,
	}, nil
}
