// Package connection turns configured datasources into the connection
// strings handed to the generator. Nothing here ever dials a database.
package connection

import (
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/FocuswithJustin/propelbridge/core/config"
	apperrors "github.com/FocuswithJustin/propelbridge/core/errors"
)

// RedactedPassword replaces passwords in diagnostic output.
const RedactedPassword = "xxxxx"

var dbNamePattern = regexp.MustCompile(`dbname=([a-zA-Z0-9_]+)`)

// Resolver looks up datasources by name.
type Resolver struct {
	datasources config.Datasources
}

// NewResolver creates a Resolver over the configured datasources.
func NewResolver(datasources config.Datasources) *Resolver {
	return &Resolver{datasources: datasources}
}

// Datasource returns the datasource called name.
func (r *Resolver) Datasource(name string) (config.Datasource, error) {
	for _, ds := range r.datasources {
		if ds.Name == name {
			return ds, nil
		}
	}
	return config.Datasource{}, apperrors.NewConfig("Unknown connection %q", name)
}

// DSN returns the generator connection string for name:
// "<dsn>;user=<user>;password=<password>".
func (r *Resolver) DSN(name string) (string, error) {
	ds, err := r.Datasource(name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s;user=%s;password=%s", ds.DSN, ds.User, ds.Password), nil
}

// Connections maps each name to "name=<DSN(name)>", the form the
// generator expects for its repeated --connection option.
func (r *Resolver) Connections(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		dsn, err := r.DSN(name)
		if err != nil {
			return nil, err
		}
		out = append(out, name+"="+dsn)
	}
	return out, nil
}

// DBName extracts the database name from a DSN. File based engines such
// as SQLite have none, which is not an error.
func DBName(dsn string) (string, bool) {
	m := dbNamePattern.FindStringSubmatch(dsn)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// DriverDSN converts the datasource called name into a database/sql driver
// name and DSN.
func (r *Resolver) DriverDSN(name string) (driver, dsn string, err error) {
	ds, err := r.Datasource(name)
	if err != nil {
		return "", "", err
	}
	return driverDSN(ds, ds.Password)
}

// RedactedDriverDSN is DriverDSN with a non-empty password masked.
func (r *Resolver) RedactedDriverDSN(name string) (driver, dsn string, err error) {
	ds, err := r.Datasource(name)
	if err != nil {
		return "", "", err
	}
	password := ds.Password
	if password != "" {
		password = RedactedPassword
	}
	return driverDSN(ds, password)
}

func driverDSN(ds config.Datasource, password string) (string, string, error) {
	scheme, params, err := parsePDO(ds.DSN)
	if err != nil {
		return "", "", apperrors.Wrapf(err, "connection %q", ds.Name)
	}

	switch scheme {
	case "mysql":
		return "mysql", mysqlDSN(ds.User, password, params), nil
	case "pgsql":
		dsn := postgresDSN(ds.User, password, params)
		if _, err := pq.NewConnector(dsn); err != nil {
			return "", "", &apperrors.ParseError{Format: "DSN", Message: err.Error(), Err: err}
		}
		return "postgres", dsn, nil
	case "sqlite":
		return "sqlite", strings.TrimPrefix(ds.DSN, "sqlite:"), nil
	}
	return "", "", apperrors.NewUnsupported("adapter "+scheme, "no database/sql driver mapping")
}

// parsePDO splits a PDO style DSN such as "mysql:host=db;dbname=app" into
// its scheme and parameters.
func parsePDO(dsn string) (string, map[string]string, error) {
	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok || scheme == "" {
		return "", nil, apperrors.NewParse("DSN", "", fmt.Sprintf("missing driver prefix in %q", dsn))
	}

	params := make(map[string]string)
	if scheme == "sqlite" {
		return scheme, params, nil
	}
	for _, part := range strings.Split(rest, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return "", nil, apperrors.NewParse("DSN", "", fmt.Sprintf("malformed parameter %q", part))
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return scheme, params, nil
}

func mysqlDSN(user, password string, params map[string]string) string {
	cfg := mysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.DBName = params["dbname"]

	if socket := params["unix_socket"]; socket != "" {
		cfg.Net = "unix"
		cfg.Addr = socket
	} else {
		host := params["host"]
		if host == "" {
			host = "127.0.0.1"
		}
		port := params["port"]
		if port == "" {
			port = "3306"
		}
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(host, port)
	}

	if charset := params["charset"]; charset != "" {
		cfg.Params = map[string]string{"charset": charset}
	}
	return cfg.FormatDSN()
}

func postgresDSN(user, password string, params map[string]string) string {
	kv := make(map[string]string, len(params)+2)
	for k, v := range params {
		kv[k] = v
	}
	if user != "" {
		kv["user"] = user
	}
	if password != "" {
		kv["password"] = password
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+quotePQ(kv[k]))
	}
	return strings.Join(parts, " ")
}

// quotePQ quotes a libpq connection string value when needed.
func quotePQ(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
