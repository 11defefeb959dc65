// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package wire_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"diamond.io/diamond/drpc/drpcwire"
	"diamond.io/diamond/pkg/wire"
)

// stubHTTPClient serves a fixed scope manifest and object body,
// standing in for a real HTTP round tripper (objectsource.HTTPClient).
type stubHTTPClient struct {
	manifestURL  string
	manifestBody string
	objectURL    string
	objectBody   string
}

func (c *stubHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body string
	switch req.URL.String() {
	case c.manifestURL:
		body = c.manifestBody
	case c.objectURL:
		body = c.objectBody
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       ioutil.NopCloser(bytes.NewReader([]byte(body))),
	}, nil
}

func TestBlastConn_GetObjectDeliversSurvivingObjectBody(t *testing.T) {
	client := &stubHTTPClient{
		manifestURL:  "http://scope.example/manifest.xml",
		manifestBody: `<objectlist><object src="http://obj.example/o1"/></objectlist>`,
		objectURL:    "http://obj.example/o1",
		objectBody:   "RED-CIRCLE",
	}

	session, err := wire.NewSession(zaptest.NewLogger(t), wire.Config{
		BlastBuffer: 4,
		HTTPClient:  client,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	control := startControlConn(t, session)
	cookieText := buildCookieWithBody(nil, time.Now().Add(time.Hour), client.manifestURL+"\n")
	status, _ := control.call(t, wire.OpDeviceSetScope, mustEncodeSetScope(cookieText))
	require.Equal(t, wire.StatusOK, status)

	status, _ = control.call(t, wire.OpDeviceStart, []byte("search-1"))
	require.Equal(t, wire.StatusOK, status)

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = serverSide.Close(); _ = clientSide.Close() })

	bc := wire.NewBlastConn(zaptest.NewLogger(t), session, serverSide)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bc.Serve(ctx) }()

	recv := drpcwire.NewReceiver(clientSide)
	send := drpcwire.NewBuffer(clientSide, drpcwire.MaxPacketSize)

	err = drpcwire.Split(drpcwire.PayloadKind_Message, drpcwire.PacketID{}, nil, send.Write)
	require.NoError(t, err)
	require.NoError(t, send.Flush())

	pkt, err := recv.ReadPacket()
	require.NoError(t, err)
	require.NotNil(t, pkt)
	assert.Equal(t, drpcwire.PayloadKind_Object, pkt.FrameInfo.PayloadKind)
	assert.Contains(t, string(pkt.Data), "RED-CIRCLE", "reply should carry the surviving object's body")
}
