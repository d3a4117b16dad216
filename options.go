package mirsat

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/google/martian/mitm"
	"github.com/tfkr-ae/mirsat/domain"
)

// WithOptions applies a series of configuration functions to the agent instance.
// Each option function can modify the agent configuration and return an error if it fails.
func (agent *Agent) WithOptions(options ...func(*Agent) error) error {
	for _, option := range options {
		err := option(agent)
		if err != nil {
			return fmt.Errorf("applying option on mirsat : %w", err)
		}
	}
	return nil
}

// WithConfigDir configures the agent to use the specified configuration directory.
// It creates the directory if it doesn't exist and loads config.yaml, writing the defaults on first run.
func WithConfigDir(appConfigDir string) func(*Agent) error {
	return func(agent *Agent) error {
		if _, err := os.ReadDir(appConfigDir); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("checking if directory exists %s: %w", appConfigDir, err)
			}
			if err := os.MkdirAll(appConfigDir, 0700); err != nil {
				return fmt.Errorf("creating config dir %s: %w", appConfigDir, err)
			}
		}
		agent.ConfigDir = appConfigDir

		cfg, err := LoadConfig(appConfigDir)
		if err != nil {
			return err
		}
		agent.Config = cfg
		return nil
	}
}

// WithConfig sets the configuration directly.
func WithConfig(cfg *Config) func(*Agent) error {
	return func(agent *Agent) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		agent.Config = cfg
		return nil
	}
}

// WithLogger sets the process logger. A nil logger discards everything.
func WithLogger(logger *slog.Logger) func(*Agent) error {
	return func(agent *Agent) error {
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		agent.Logger = logger
		return nil
	}
}

// WithNetwork replaces the upstream transport used for fetches, precaching, replay and checks.
func WithNetwork(network http.RoundTripper) func(*Agent) error {
	return func(agent *Agent) error {
		if network == nil {
			return errors.New("network transport is nil")
		}
		agent.Network = network
		return nil
	}
}

// WithLogHandler takes a handler function that will be executed on each persisted log
func WithLogHandler(handler func(log *domain.Log) error) func(*Agent) error {
	return func(agent *Agent) error {
		if agent.OnLog != nil {
			return errors.New("agent already has a log handler defined")
		}
		agent.OnLog = handler
		return nil
	}
}

// WithDefaultModifiers registers the default request and response pipelines.
func WithDefaultModifiers() func(*Agent) error {
	return func(agent *Agent) error {
		if agent.martianProxy == nil {
			return errors.New("agent has no martianProxy")
		}
		agent.AddRequestModifier(PreventLoopModifier)
		agent.AddRequestModifier(SkipConnectRequestModifier)
		agent.AddRequestModifier(SetupRequestModifier)
		agent.AddRequestModifier(ClassifyRequestModifier)

		agent.AddResponseModifier(ResponseFilterModifier)
		agent.AddResponseModifier(ServedFromModifier)
		agent.AddResponseModifier(TraceResponseModifier)
		return nil
	}
}

// WithTLS will configure the interception CA based on the agent.ConfigDir.
// The SPKI hash is persisted so that launched pages can pin it.
// TODO - Check if the certificate expired
func WithTLS() func(*Agent) error {
	return func(agent *Agent) error {
		if agent.Repo == nil {
			return ErrNoRepository
		}

		var x509c *x509.Certificate
		var priv any
		var err error
		certPath := path.Join(agent.ConfigDir, certFile)
		if _, err = os.Stat(certPath); os.IsNotExist(err) {
			x509c, priv, err = mitm.NewAuthority("Mirsat", "Mirsat Authority", 365*3*24*time.Hour)
			if err != nil {
				return fmt.Errorf("creating new mitm authority : %w", err)
			}

			if err := saveCertAndKey(x509c, priv, agent.ConfigDir); err != nil {
				return fmt.Errorf("saving cert and key to disk: %w", err)
			}
		} else {
			x509c, priv, err = loadCertAndKey(agent.ConfigDir)
			if err != nil {
				return fmt.Errorf("loading cert and key from disk: %w", err)
			}
		}

		agent.SPKIHash = getSPKIHash(x509c)
		agent.Cert = x509c
		if err := agent.Repo.UpdateSPKI(agent.SPKIHash); err != nil {
			return fmt.Errorf("setting spki hash %s : %w", agent.SPKIHash, err)
		}

		tlsc, err := mitm.NewConfig(x509c, priv)
		if err != nil {
			return fmt.Errorf("creating new mitm config : %w", err)
		}
		agent.martianProxy.SetMITM(tlsc)
		tlsConfig := tlsc.TLS()

		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("fetching system cert pool : %w", err)
		}
		tlsConfig.RootCAs = systemPool
		tlsConfig.RootCAs.AddCert(x509c)
		agent.TLSConfig = tlsConfig
		return nil
	}
}

// WithRepo sets the repository, closing any previous one.
func WithRepo(repo Repository) func(*Agent) error {
	return func(agent *Agent) error {
		if agent.Repo != nil {
			if err := agent.Repo.Close(); err != nil {
				return err
			}
			agent.Repo = nil
		}
		agent.Repo = repo
		return nil
	}
}
