package util_test

import (
	"testing"
	"time"

	"github.com/nodefleet/fleet-ca/util"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flagTestTLS struct {
	Enabled  bool   `skip:"true"`
	CertFile string `help:"TLS certificate file"`
}

type flagTestConfig struct {
	Port      int           `def:"8140" opt:"p" help:"Listening port"`
	Debug     bool          `opt:"d" def:"false" help:"Enable debug logging"`
	Password  string        `hide:"true"`
	TTL       time.Duration `def:"8760h" help:"Certificate lifetime"`
	CertFiles []string      `help:"Trusted root certificate files"`
	TLS       flagTestTLS
	internal  string
}

func TestRegisterFlags(t *testing.T) {
	v := viper.New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg := &flagTestConfig{}
	require.NoError(t, util.RegisterFlags(v, flags, cfg))

	port := flags.Lookup("port")
	require.NotNil(t, port)
	assert.Equal(t, "8140", port.DefValue)
	assert.Equal(t, "p", port.Shorthand)

	// Hidden flags need no help message and stay out of the usage text.
	pass := flags.Lookup("password")
	require.NotNil(t, pass)
	assert.True(t, pass.Hidden)

	// Nested fields register under their dotted path; skipped and
	// unexported fields do not register at all.
	require.NotNil(t, flags.Lookup("tls.certfile"))
	assert.Nil(t, flags.Lookup("tls.enabled"))
	assert.Nil(t, flags.Lookup("internal"))

	require.NoError(t, flags.Parse([]string{"--port", "9999", "--ttl", "24h", "--certfiles", "a.pem,b.pem"}))
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, 24*time.Hour, cfg.TTL)
	assert.Equal(t, []string{"a.pem", "b.pem"}, cfg.CertFiles)

	// Flags are bound to viper under the same key.
	assert.Equal(t, 9999, v.GetInt("port"))
}

func TestRegisterFlagsMissingHelp(t *testing.T) {
	type bad struct {
		Name string
	}
	err := util.RegisterFlags(viper.New(), pflag.NewFlagSet("test", pflag.ContinueOnError), &bad{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a help tag")
}

func TestRegisterFlagsBadDefault(t *testing.T) {
	type bad struct {
		Port int `def:"not-a-number" help:"Listening port"`
	}
	err := util.RegisterFlags(viper.New(), pflag.NewFlagSet("test", pflag.ContinueOnError), &bad{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid integer value")
}
