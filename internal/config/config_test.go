package config

import (
	"testing"

	"github.com/jfpfau/linkmesh/internal/sio"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid master", Config{BindAddress: "0.0.0.0", ListenPort: 1000, Baud: sio.Baud9600}, false},
		{"empty bind address", Config{ListenPort: 1000, Baud: sio.Baud9600}, true},
		{"bad port", Config{BindAddress: "0.0.0.0", ListenPort: 70000, Baud: sio.Baud9600}, true},
		{"bad baud", Config{BindAddress: "0.0.0.0", ListenPort: 1000, Baud: sio.Baud(9)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestValidateJoin(t *testing.T) {
	base := Config{BindAddress: "0.0.0.0", ListenPort: 0, Baud: sio.Baud9600}

	if err := base.ValidateJoin(); err == nil {
		t.Error("ValidateJoin() with no master address should fail")
	}

	base.MasterAddress = "10.0.0.1"
	base.MasterPort = 7777
	base.PublicAddress = "10.0.0.2"
	if err := base.ValidateJoin(); err != nil {
		t.Errorf("ValidateJoin() = %v, want nil", err)
	}
}
