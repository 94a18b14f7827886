package supervisor

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// portOpen reports whether a TCP connection to host:port succeeds.
func portOpen(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// noisyPatterns matches lines that are either uninformative connection
// pool churn or liable to carry a credential, per the child launcher's
// noise/secret filter.
var noisyPatterns = []string{
	"connection pool",
	"pool exhausted",
	"idle connection",
	"WITH PASSWORD",
	"password=",
}

func isNoisyLine(line string) bool {
	lower := strings.ToLower(line)
	for _, p := range noisyPatterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
