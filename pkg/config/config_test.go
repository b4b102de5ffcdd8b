package config_test

import (
	"os"
	"testing"

	"hyperglide/pkg/config"
)

func TestConfigLoading(t *testing.T) {
	t.Run("Default_Configuration", func(t *testing.T) {
		cfg, err := config.Load("/non/existent/path")
		if err != nil {
			t.Fatalf("failed to load default config: %v", err)
		}

		if len(cfg.Addresses) != 1 || cfg.Addresses[0].Host != "127.0.0.1" || cfg.Addresses[0].Port != 6379 {
			t.Errorf("expected default address 127.0.0.1:6379, got %+v", cfg.Addresses)
		}
		if cfg.ClusterMode {
			t.Errorf("expected cluster mode disabled by default")
		}
		if cfg.Protocol != config.RESP3 {
			t.Errorf("expected default protocol RESP3, got %v", cfg.Protocol)
		}
		if cfg.ReadFrom != config.Primary {
			t.Errorf("expected default read_from Primary, got %v", cfg.ReadFrom)
		}
		if cfg.Logging.Level != "info" {
			t.Errorf("expected default log level 'info', got %s", cfg.Logging.Level)
		}
	})

	t.Run("YAML_Configuration_Loading", func(t *testing.T) {
		yamlContent := `
addresses:
  - host: node1
    port: 7000
  - host: node2
    port: 7001
cluster_mode: true
protocol: resp2
read_from: prefer_replica
request_timeout: 500ms
connection_timeout: 3s
logging:
  level: debug
`
		tmpfile, err := os.CreateTemp("", "hyperglide-test-*.yaml")
		if err != nil {
			t.Fatalf("failed to create temp file: %v", err)
		}
		defer os.Remove(tmpfile.Name())
		if _, err := tmpfile.Write([]byte(yamlContent)); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}
		tmpfile.Close()

		cfg, err := config.Load(tmpfile.Name())
		if err != nil {
			t.Fatalf("failed to load config: %v", err)
		}

		if len(cfg.Addresses) != 2 || cfg.Addresses[1].Host != "node2" || cfg.Addresses[1].Port != 7001 {
			t.Errorf("unexpected addresses: %+v", cfg.Addresses)
		}
		if !cfg.ClusterMode {
			t.Errorf("expected cluster_mode true")
		}
		if cfg.Protocol != config.RESP2 {
			t.Errorf("expected protocol RESP2, got %v", cfg.Protocol)
		}
		if cfg.ReadFrom != config.PreferReplica {
			t.Errorf("expected read_from PreferReplica, got %v", cfg.ReadFrom)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected log level 'debug', got %s", cfg.Logging.Level)
		}
	})

	t.Run("Invalid_Enum_Values_Rejected", func(t *testing.T) {
		yamlContent := "protocol: resp4\naddresses:\n  - host: a\n    port: 1\n"
		tmpfile, err := os.CreateTemp("", "hyperglide-bad-*.yaml")
		if err != nil {
			t.Fatalf("failed to create temp file: %v", err)
		}
		defer os.Remove(tmpfile.Name())
		tmpfile.Write([]byte(yamlContent))
		tmpfile.Close()

		if _, err := config.Load(tmpfile.Name()); err == nil {
			t.Errorf("expected an error loading an unrecognized protocol value")
		}
	})
}

func TestClientConfigValidate(t *testing.T) {
	valid := func() config.ClientConfig {
		cfg := config.DefaultClientConfig()
		cfg.Addresses = []config.NodeAddress{{Host: "127.0.0.1", Port: 6379}}
		return cfg
	}

	t.Run("Default_Is_Valid", func(t *testing.T) {
		cfg := valid()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected default config to be valid: %v", err)
		}
	})

	t.Run("No_Addresses", func(t *testing.T) {
		cfg := valid()
		cfg.Addresses = nil
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for an empty address list")
		}
	})

	t.Run("Empty_Host", func(t *testing.T) {
		cfg := valid()
		cfg.Addresses = []config.NodeAddress{{Host: "", Port: 6379}}
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for an empty host")
		}
	})

	t.Run("Invalid_Port", func(t *testing.T) {
		cfg := valid()
		cfg.Addresses = []config.NodeAddress{{Host: "127.0.0.1", Port: 70000}}
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for an out-of-range port")
		}
	})

	t.Run("Negative_Request_Timeout", func(t *testing.T) {
		cfg := valid()
		cfg.RequestTimeout = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for a negative request_timeout")
		}
	})

	t.Run("Zero_Connection_Timeout", func(t *testing.T) {
		cfg := valid()
		cfg.ConnectionTimeout = 0
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for a zero connection_timeout")
		}
	})

	t.Run("Negative_Max_Inflight", func(t *testing.T) {
		cfg := valid()
		cfg.MaxInflightPerClient = -5
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for a negative max_inflight_per_client")
		}
	})

	t.Run("Negative_Database_ID", func(t *testing.T) {
		cfg := valid()
		cfg.DatabaseID = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for a negative database_id")
		}
	})

	t.Run("Negative_Reconnect_Retries", func(t *testing.T) {
		cfg := valid()
		cfg.ReconnectBackoff.NumRetries = -1
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected validation error for negative reconnect_backoff.num_retries")
		}
	})
}

func TestNodeAddressString(t *testing.T) {
	addr := config.NodeAddress{Host: "10.0.0.1", Port: 6380}
	if got := addr.String(); got != "10.0.0.1:6380" {
		t.Errorf("got %q", got)
	}
}
