package chaingateway

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("dial tcp: i/o timeout"), true},
		{"connection reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"bad gateway", errors.New("502 Bad Gateway"), true},
		{"deadline", errors.New("context deadline exceeded"), true},
		{"decode mismatch", errors.New("abi: cannot unmarshal tuple into bool"), false},
		{"not found", errors.New("no contract code at given address"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, isTransient(c.err))
		})
	}
}

func TestPooledHTTPClientSizing(t *testing.T) {
	c := pooledHTTPClient(0)
	assert.NotNil(t, c.Transport)

	c2 := pooledHTTPClient(4)
	assert.NotNil(t, c2.Transport)
}
