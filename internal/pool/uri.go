package pool

import (
	"fmt"
	"net/url"
	"strconv"
)

// BuildMongoURI assembles a connection string from its parts. With srv set
// the port is omitted and the mongodb+srv scheme is used.
func BuildMongoURI(host string, port int, username, password, authDB string, srv bool) string {
	scheme := "mongodb"
	if srv {
		scheme = "mongodb+srv"
	}

	var auth string
	if username != "" && password != "" {
		auth = url.QueryEscape(username) + ":" + url.QueryEscape(password) + "@"
	}

	hostPort := host
	if !srv {
		hostPort = host + ":" + strconv.Itoa(port)
	}

	if authDB == "" {
		authDB = "admin"
	}
	return fmt.Sprintf("%s://%s%s/%s", scheme, auth, hostPort, authDB)
}
