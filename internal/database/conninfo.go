package database

import (
	"fmt"
	"strings"
)

// ConnInfo addresses one Game's database.
type ConnInfo struct {
	Host     string
	Port     int32
	Database string
	Username string
	Password string
	// SSLMode defaults to "disable"; the dependent workload serves plain TCP.
	SSLMode string
}

var dsnEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// DSN renders c as a lib/pq key/value connection string.
func (c ConnInfo) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	parts := []string{
		"host=" + quote(c.Host),
		fmt.Sprintf("port=%d", c.Port),
		"dbname=" + quote(c.Database),
		"user=" + quote(c.Username),
		"password=" + quote(c.Password),
		"sslmode=" + quote(sslmode),
		"connect_timeout=5",
	}
	return strings.Join(parts, " ")
}

// String omits the password so ConnInfo can be logged.
func (c ConnInfo) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.Username, c.Host, c.Port, c.Database)
}

func quote(v string) string {
	return "'" + dsnEscaper.Replace(v) + "'"
}
