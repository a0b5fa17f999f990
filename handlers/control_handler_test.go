package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectCameraFacingIP_LocalNetworkPrefixUsesLocalIP(t *testing.T) {
	h := &ControlHandler{}
	h.network.LocalIP = "192.168.199.10"
	h.network.ExternalIP = "203.0.113.5"
	h.network.LocalNetworkPrefix = "192.168.199"

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/start", nil)
	req.RemoteAddr = "192.168.199.42:51000"

	assert.Equal(t, "192.168.199.10", h.selectCameraFacingIP(req))
}

func TestSelectCameraFacingIP_OutsideLocalNetworkUsesExternalIP(t *testing.T) {
	h := &ControlHandler{}
	h.network.LocalIP = "192.168.199.10"
	h.network.ExternalIP = "203.0.113.5"
	h.network.LocalNetworkPrefix = "192.168.199"

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/start", nil)
	req.RemoteAddr = "8.8.8.8:51000"

	assert.Equal(t, "203.0.113.5", h.selectCameraFacingIP(req))
}

func TestSelectCameraFacingIP_LoopbackUsesLocalIP(t *testing.T) {
	h := &ControlHandler{}
	h.network.LocalIP = "192.168.199.10"
	h.network.ExternalIP = "203.0.113.5"
	h.network.LocalNetworkPrefix = "192.168.199"

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/start", nil)
	req.RemoteAddr = "127.0.0.1:51000"

	assert.Equal(t, "192.168.199.10", h.selectCameraFacingIP(req))
}

func TestSelectCameraFacingIP_PrefersForwardedForOverRemoteAddr(t *testing.T) {
	h := &ControlHandler{}
	h.network.LocalIP = "192.168.199.10"
	h.network.ExternalIP = "203.0.113.5"
	h.network.LocalNetworkPrefix = "192.168.199"

	req := httptest.NewRequest(http.MethodPost, "/streams/cam-1/start", nil)
	req.RemoteAddr = "8.8.8.8:51000"
	req.Header.Set("X-Forwarded-For", "192.168.199.42, 10.0.0.1")

	assert.Equal(t, "192.168.199.10", h.selectCameraFacingIP(req))
}
