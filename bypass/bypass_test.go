package bypass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBypassed(t *testing.T) {
	cases := []struct {
		name  string
		host  string
		china bool
		want  bool
	}{
		{"empty host", "", false, false},
		{"bracketed ipv6", "[::1]", false, false},
		{"private ipv4", "192.168.1.5", false, true},
		{"loopback ipv4", "127.0.0.1", false, true},
		{"link-local ipv4", "169.254.1.2", false, true},
		{"public ipv4", "8.8.8.8", false, false},
		{"loopback ipv6", "::1", false, true},
		{"public ipv6", "2001:4860:4860::8888", false, false},
		{"known suffix domain", "example.com", false, false},
		{"single label host", "myserver", false, true},
		{"china passthrough off", "baidu.com", false, false},
		{"china passthrough on", "baidu.com", true, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := Policy{PassthroughChina: c.china}
			assert.Equal(t, c.want, p.Bypassed(c.host), "Bypassed(%q, china=%v)", c.host, c.china)
		})
	}
}

func TestBypassedDeterministic(t *testing.T) {
	p := Policy{PassthroughChina: true}
	hosts := []string{"192.168.0.1", "example.com", "baidu.com", "", "myhost"}
	for _, h := range hosts {
		first := p.Bypassed(h)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, p.Bypassed(h), "Bypassed(%q) not deterministic", h)
		}
	}
}

func TestIsChineseHost(t *testing.T) {
	assert.True(t, IsChineseHost("baidu.com"))
	assert.False(t, IsChineseHost("example.com"))
}
