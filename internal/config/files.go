package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

const (
	BrokerFile  = "broker.yaml"
	SandboxFile = "sandbox.toml"
)

// brokerFile mirrors the queue layout operators already keep for the
// analysis cluster.
type brokerFile struct {
	Connection struct {
		URL      string `yaml:"url"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"connection"`
	Queues struct {
		FilesForAnalysis queueFile `yaml:"files_for_analysis"`
		SandboxIoCs      queueFile `yaml:"sandbox_iocs"`
	} `yaml:"queues"`
	QueueGroup string `yaml:"queue_group"`
}

type queueFile struct {
	Name string `yaml:"name"`
}

// sandboxFile uses pointers so absent keys leave defaults alone.
type sandboxFile struct {
	UserAgent      *string `toml:"user_agent"`
	NetworkEnabled *bool   `toml:"network_enabled"`
	EvalTimeoutMS  *int64  `toml:"eval_timeout_ms"`
	MaxSessions    *int    `toml:"max_sessions"`
	Drain          struct {
		CeilingMS *int64 `toml:"ceiling_ms"`
		BufferMS  *int64 `toml:"buffer_ms"`
	} `toml:"drain"`
	Suspicious struct {
		ExtraMIMETypes []string `toml:"extra_mime_types"`
	} `toml:"suspicious"`
}

func applyFiles(cfg *Config, dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("config directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config directory: %s is not a directory", dir)
	}

	if data, err := readOptional(filepath.Join(dir, BrokerFile)); err != nil {
		return err
	} else if data != nil {
		if err := applyBroker(cfg, data); err != nil {
			return fmt.Errorf("%s: %w", BrokerFile, err)
		}
	}

	if data, err := readOptional(filepath.Join(dir, SandboxFile)); err != nil {
		return err
	} else if data != nil {
		if err := applySandbox(cfg, data); err != nil {
			return fmt.Errorf("%s: %w", SandboxFile, err)
		}
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func applyBroker(cfg *Config, data []byte) error {
	var f brokerFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return err
	}

	conn := f.Connection
	switch {
	case conn.URL != "":
		cfg.Broker.URL = conn.URL
	case conn.Host != "":
		u := url.URL{Scheme: "nats", Host: conn.Host}
		if conn.Port != 0 {
			u.Host = net.JoinHostPort(conn.Host, strconv.Itoa(conn.Port))
		}
		if conn.Username != "" {
			u.User = url.UserPassword(conn.Username, conn.Password)
		}
		cfg.Broker.URL = u.String()
	}

	if name := f.Queues.FilesForAnalysis.Name; name != "" {
		cfg.Broker.FilesSubject = name
	}
	if name := f.Queues.SandboxIoCs.Name; name != "" {
		cfg.Broker.ResultsSubject = name
	}
	if f.QueueGroup != "" {
		cfg.Broker.QueueGroup = f.QueueGroup
	}
	return nil
}

func applySandbox(cfg *Config, data []byte) error {
	var f sandboxFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return err
	}

	if f.UserAgent != nil {
		cfg.Sandbox.UserAgent = *f.UserAgent
	}
	if f.NetworkEnabled != nil {
		cfg.Sandbox.NetworkEnabled = *f.NetworkEnabled
	}
	if f.EvalTimeoutMS != nil {
		cfg.Sandbox.EvalTimeout = time.Duration(*f.EvalTimeoutMS) * time.Millisecond
	}
	if f.MaxSessions != nil {
		cfg.Sandbox.MaxSessions = *f.MaxSessions
	}
	if f.Drain.CeilingMS != nil {
		cfg.Analysis.DrainCeiling = time.Duration(*f.Drain.CeilingMS) * time.Millisecond
	}
	if f.Drain.BufferMS != nil {
		cfg.Analysis.DrainBuffer = time.Duration(*f.Drain.BufferMS) * time.Millisecond
	}
	cfg.Sandbox.ExtraSuspicious = append(cfg.Sandbox.ExtraSuspicious, f.Suspicious.ExtraMIMETypes...)
	return nil
}
