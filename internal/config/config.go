// Package config defines the settings a linkmeshd process needs to bind,
// advertise, and drive a mesh node, populated by the cobra/pflag command
// tree in cmd/linkmeshd.
package config

import (
	"fmt"

	"github.com/jfpfau/linkmesh/internal/sio"
)

// Config holds one node's startup parameters.
type Config struct {
	// ListenPort is the local TCP port to bind. 0 asks the OS for an
	// ephemeral port.
	ListenPort int
	// BindAddress is the local interface to listen on.
	BindAddress string
	// PublicAddress is the address this node advertises to peers in its
	// Join packet; it may differ from BindAddress behind NAT (though NAT
	// traversal itself is out of scope).
	PublicAddress string
	// Baud is the expected SIOCNT baud setting. It is validated and logged
	// at startup; each transfer's speed comes from the guest's own SIOCNT
	// baud bits, not from this field.
	Baud sio.Baud

	// MasterPort and MasterAddress name the node to join; both are zero
	// values for a node starting its own mesh as master.
	MasterPort    int
	MasterAddress string
}

// Validate checks the fields a command needs regardless of role.
func (c Config) Validate() error {
	if c.BindAddress == "" {
		return fmt.Errorf("config: bind address must not be empty")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.ListenPort)
	}
	switch c.Baud {
	case sio.Baud9600, sio.Baud38400, sio.Baud57600, sio.Baud115200:
	default:
		return fmt.Errorf("config: invalid baud rate %d", c.Baud)
	}
	return nil
}

// ValidateJoin additionally checks the fields required to join an existing
// master.
func (c Config) ValidateJoin() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.MasterAddress == "" {
		return fmt.Errorf("config: master address must not be empty")
	}
	if c.MasterPort <= 0 || c.MasterPort > 65535 {
		return fmt.Errorf("config: master port %d out of range", c.MasterPort)
	}
	if c.PublicAddress == "" {
		return fmt.Errorf("config: public address must not be empty")
	}
	return nil
}
