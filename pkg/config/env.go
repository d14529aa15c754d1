package config

import "fmt"

// Env is the gateway's process configuration, read once from the
// environment at startup (spec §6). Concrete variable names and defaults
// are grounded on the prior implementation's database.py/egress.py/proxy.py.
type Env struct {
	DatabaseDSN string

	PGHost     string
	PGPort     int
	PGDatabase string
	PGUser     string
	PGPassword string

	ArtifactsRoot  string
	MaxUploadBytes int64

	ProxyPort int
	APIPort   int

	GlobalIdleTimeoutMin int
	ConfigPath           string

	ContainerdSocket    string
	ContainerdNamespace string
}

// LoadEnv reads Env from the process environment, applying the defaults
// named in spec §6.
func LoadEnv() Env {
	maxUploadMB := EnvInt("MAX_UPLOAD_MB", 200)
	return Env{
		DatabaseDSN: EnvString("ACP_AUDIT_DSN", ""),

		PGHost:     EnvString("PG_HOST", "localhost"),
		PGPort:     EnvInt("PG_PORT", 5432),
		PGDatabase: EnvString("PG_DB", "gateway"),
		PGUser:     EnvString("PG_USER", "gateway"),
		PGPassword: EnvString("PG_PASSWORD", ""),

		ArtifactsRoot:  EnvString("ARTIFACTS_ROOT", "/artifacts"),
		MaxUploadBytes: int64(maxUploadMB) * 1024 * 1024,

		ProxyPort: EnvInt("ACP_PROXY_PORT", 3128),
		APIPort:   EnvInt("ACP_API_PORT", 8080),

		GlobalIdleTimeoutMin: EnvInt("ACP_IDLE_TIMEOUT_MIN", 15),
		ConfigPath:           EnvString("AGENTSYSTEMS_CONFIG_PATH", "/config/agentsystems-config.yml"),

		ContainerdSocket:    EnvString("ACP_CONTAINERD_SOCKET", "/run/containerd/containerd.sock"),
		ContainerdNamespace: EnvString("ACP_CONTAINERD_NAMESPACE", "agentgateway"),
	}
}

// DSN assembles a connection string, preferring the full DSN from
// ACP_AUDIT_DSN when set over the discrete host/user/password/db fields.
func (e Env) DSN() string {
	if e.DatabaseDSN != "" {
		return e.DatabaseDSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", e.PGUser, e.PGPassword, e.PGHost, e.PGPort, e.PGDatabase)
}
