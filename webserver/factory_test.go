package webserver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmb69/pftt2/servicedef"
	"github.com/cmb69/pftt2/webserver"
)

func TestBuiltinServerFactory(t *testing.T) {
	params := servicedef.ServerParams{
		Build:   "/opt/php",
		DocRoot: "/srv/tests",
		INI:     map[string]string{"output_buffering": "0", "display_errors": "1"},
		Env:     map[string]string{"TEMP": "/tmp"},
	}
	cmd, err := webserver.BuiltinServerFactory{}.NewServerCommand(params, "127.0.0.1", 40001)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/opt/php/php", "-S", "127.0.0.1:40001", "-t", "/srv/tests",
		"-d", "display_errors=1", "-d", "output_buffering=0",
	}, cmd.Args)
	assert.Equal(t, "/srv/tests", cmd.Dir)
	assert.Equal(t, params.Env, cmd.Env)

	cmd, err = webserver.BuiltinServerFactory{Binary: "php8"}.NewServerCommand(params, "::1", 40002)
	require.NoError(t, err)
	assert.Equal(t, "php8", cmd.Args[0])
	assert.Equal(t, "[::1]:40002", cmd.Args[2])
}

func TestBuiltinServerFactoryNeedsDocRoot(t *testing.T) {
	_, err := webserver.BuiltinServerFactory{}.NewServerCommand(servicedef.ServerParams{}, "127.0.0.1", 40001)
	assert.Error(t, err)
}

func TestTemplateServerFactory(t *testing.T) {
	f := webserver.TemplateServerFactory{
		Args: []string{"{build}/httpd", "-p", "{port}", "-h", "{host}", "-r", "{docroot}", "{ini}", "--tag={scenario}"},
		Env:  map[string]string{"PHPRC": "{build}/php.ini", "A": "template"},
	}
	params := servicedef.ServerParams{
		Build:    "/opt/php",
		DocRoot:  "/srv",
		Scenario: "opcache",
		INI:      map[string]string{"b": "2", "a": "1"},
		Env:      map[string]string{"A": "params"},
	}
	cmd, err := f.NewServerCommand(params, "0.0.0.0", 40005)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/php/httpd", "-p", "40005", "-h", "0.0.0.0", "-r", "/srv", "a=1", "b=2", "--tag=opcache"}, cmd.Args)
	assert.Equal(t, map[string]string{"PHPRC": "/opt/php/php.ini", "A": "params"}, cmd.Env)

	_, err = webserver.TemplateServerFactory{}.NewServerCommand(params, "0.0.0.0", 1)
	assert.Error(t, err)
}
