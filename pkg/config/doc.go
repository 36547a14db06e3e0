// Package config loads warden configuration from environment variables.
//
// Server settings:
//
//	WARDEN_HOST="0.0.0.0"
//	WARDEN_PORT="8080"
//	WARDEN_HEALTH_PORT="9090"
//	WARDEN_PUBLIC_URL="https://auth.example.com"
//
// Storage settings:
//
//	WARDEN_POSTGRES_URL="postgres://localhost/warden?sslmode=disable"
//	WARDEN_POSTGRES_MAX_CONNS="20"
//	WARDEN_REDIS_URL="redis://localhost:6379/0"
//
// Sessions:
//
//	WARDEN_JWT_SECRET="at-least-32-bytes-of-secret-material"
//	WARDEN_ACCESS_TOKEN_TTL="15m"
//	WARDEN_REFRESH_TOKEN_TTL="720h"
//	WARDEN_DEFAULT_ROLE="user"
//
// SSO and RBAC:
//
//	WARDEN_HANDSHAKE_TTL="10m"
//	WARDEN_PROVIDER_TIMEOUT="10s"
//	WARDEN_ROLES_FILE="/etc/warden/roles.yaml"
//
// Unset variables fall back to the defaults in LoadConfig; Validate rejects
// combinations the service cannot start with.
package config
