package mainboilerplate

import (
	"fmt"
	"os"
	"strconv"
)

// ServiceConfig represents addressing configuration of the process.
type ServiceConfig struct {
	Host  string `long:"host" env:"HOST" description:"Addressable, advertised hostname or IP of this process. Hostname is used if not set"`
	Iface string `long:"iface" env:"IFACE" description:"Network interface to bind. All interfaces are bound if not set"`
	Port  uint16 `long:"port" env:"PORT" default:"8080" description:"Service port for HTTP requests. A random port is used if zero"`
}

// Endpoint returns the advertised HTTP endpoint of the process, given the
// |port| it actually bound.
func (cfg ServiceConfig) Endpoint(port int) string {
	var host = cfg.Host
	if host == "" {
		var err error
		host, err = os.Hostname()
		Must(err, "failed to determine hostname")
	}
	return fmt.Sprintf("http://%s:%s", host, strconv.Itoa(port))
}
