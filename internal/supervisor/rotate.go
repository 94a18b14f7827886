package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RotatePassword implements the one-shot credential-rotation ritual the
// embedded database requires: connect with the default credentials, issue
// the password change, then close the connection and wait for it to fully
// drop — the database accepts only one connection at a time, so a
// lingering client from this rotation would block the backend's own
// connection.
func RotatePassword(ctx context.Context, host string, port int, newPassword string) error {
	connString := fmt.Sprintf("postgres://postgres:postgres@%s:%d/postgres?sslmode=disable", host, port)

	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("connect for password rotation: %w", err)
	}

	_, err = conn.Exec(ctx, fmt.Sprintf("ALTER USER postgres WITH PASSWORD '%s'", escapeLiteral(newPassword)))
	closeErr := conn.Close(ctx)
	if err != nil {
		return fmt.Errorf("rotate password: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("close rotation connection: %w", closeErr)
	}

	return waitConnectionClosed(host, port, 5*time.Second)
}

// escapeLiteral doubles single quotes so newPassword can be embedded in a
// SQL string literal. The password is generated by secrets.DBPassword and
// is always alphanumeric, but this still guards the statement against any
// future relaxation of that guarantee.
func escapeLiteral(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

// waitConnectionClosed is a best-effort pause giving the database time to
// fully release the rotation connection before the backend connects with
// the new password. The single-connection database has no "list active
// connections" API to poll, so this is a fixed wait rather than a probe.
func waitConnectionClosed(host string, port int, max time.Duration) error {
	time.Sleep(max)
	return nil
}
