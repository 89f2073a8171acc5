package relay

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testServer(t *testing.T, cfg RegistryConfig) *httptest.Server {
	t.Helper()
	registry := NewRegistry(zap.NewNop().Sugar(), cfg)
	t.Cleanup(registry.Stop)

	srv, err := NewServer(registry, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doPut(t *testing.T, url, body string, offset *uint64) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(body))
	require.NoError(t, err)
	if offset != nil {
		req.Header.Set(HeaderOffset, fmt.Sprint(*offset))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func doGet(t *testing.T, url string, offset *uint64) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if offset != nil {
		req.Header.Set(HeaderOffset, fmt.Sprint(*offset))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// startPut opens a sender request whose body stays under the test's control.
// The returned writer feeds the request body; the channel yields the final
// response or transport error once the request ends.
func startPut(t *testing.T, url string) (*io.PipeWriter, <-chan error) {
	t.Helper()
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		req, err := http.NewRequest(http.MethodPut, url, pr)
		if err != nil {
			done <- err
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- err
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			done <- fmt.Errorf("sender got status %d", resp.StatusCode)
			return
		}
		done <- nil
	}()
	t.Cleanup(func() { pw.Close() })
	return pw, done
}

// probeOffset polls HEAD until the relay reports the wanted accepted offset.
func probeOffset(t *testing.T, url string, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Head(url)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		return resp.Header.Get(HeaderOffset) == fmt.Sprint(want)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestServerSendThenReceive(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	resp := doPut(t, url, "123\n", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "4", resp.Header.Get(HeaderOffset))

	got := doGet(t, url, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "0", got.Header.Get(HeaderOffset))

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "123\n", string(body))
	assert.Equal(t, "true", got.Trailer.Get(TrailerComplete))
	assert.Equal(t, "4", got.Trailer.Get(HeaderOffset))
}

func TestServerLiveStreaming(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	pw, putDone := startPut(t, url)
	_, err := pw.Write([]byte("live"))
	require.NoError(t, err)

	got := doGet(t, url, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)

	// The first bytes must arrive while the sender's request is still open.
	head := make([]byte, 4)
	_, err = io.ReadFull(got.Body, head)
	require.NoError(t, err)
	assert.Equal(t, "live", string(head))

	_, err = pw.Write([]byte(" feed"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-putDone)

	rest, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, " feed", string(rest))
	assert.Equal(t, "true", got.Trailer.Get(TrailerComplete))
	assert.Equal(t, "9", got.Trailer.Get(HeaderOffset))
}

func TestServerRoleConflict(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	pw, putDone := startPut(t, url)
	_, err := pw.Write([]byte("a"))
	require.NoError(t, err)
	probeOffset(t, url, 1)

	resp := doPut(t, url, "intruder", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	require.NoError(t, pw.Close())
	require.NoError(t, <-putDone)
}

func TestServerSenderResume(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	// First sender dies mid-stream after the relay accepted 3 bytes.
	pw, putDone := startPut(t, url)
	_, err := pw.Write([]byte("abc"))
	require.NoError(t, err)
	probeOffset(t, url, 3)
	pw.CloseWithError(errors.New("connection lost"))
	require.Error(t, <-putDone)

	// A fresh attach implies offset 0 and must be refused.
	resp := doPut(t, url, "xyz", nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	// Resuming at the accepted offset continues the stream.
	off := uint64(3)
	resp = doPut(t, url, "def", &off)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "6", resp.Header.Get(HeaderOffset))

	got := doGet(t, url, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(body))
}

func TestServerSenderAfterComplete(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	resp := doPut(t, url, "done", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The stream completed; another sender cannot extend it.
	off := uint64(4)
	resp = doPut(t, url, "more", &off)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServerReceiverResume(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	resp := doPut(t, url, "0123456789", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	off := uint64(4)
	got := doGet(t, url, &off)
	require.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, "4", got.Header.Get(HeaderOffset))

	body, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Equal(t, "456789", string(body))
	assert.Equal(t, "true", got.Trailer.Get(TrailerComplete))
	assert.Equal(t, "10", got.Trailer.Get(HeaderOffset))
}

func TestServerOffsetTooOld(t *testing.T) {
	ts := testServer(t, RegistryConfig{WindowBytes: 8})
	url := ts.URL + "/p"

	// A live receiver drains everything so the window can slide.
	got := doGet(t, url, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	go io.Copy(io.Discard, got.Body)

	pw, putDone := startPut(t, url)
	payload := strings.Repeat("w", 32)
	_, err := pw.Write([]byte(payload))
	require.NoError(t, err)
	probeOffset(t, url, 32)

	// The first bytes left the window long ago.
	old := uint64(0)
	late := doGet(t, url, &old)
	assert.Equal(t, http.StatusGone, late.StatusCode)

	require.NoError(t, pw.Close())
	require.NoError(t, <-putDone)
}

func TestServerResumeBeyondStream(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	pw, putDone := startPut(t, url)
	_, err := pw.Write([]byte("ab"))
	require.NoError(t, err)
	probeOffset(t, url, 2)

	future := uint64(100)
	got := doGet(t, url, &future)
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, got.StatusCode)

	require.NoError(t, pw.Close())
	require.NoError(t, <-putDone)
}

func TestServerBadOffsetHeader(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set(HeaderOffset, "not-a-number")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerProbe(t *testing.T) {
	ts := testServer(t, RegistryConfig{})
	url := ts.URL + "/p"

	resp, err := http.Head(url)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	put := doPut(t, url, "abc", nil)
	require.Equal(t, http.StatusOK, put.StatusCode)

	resp, err = http.Head(url)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get(HeaderOffset))
	assert.Equal(t, "waiting", resp.Header.Get(HeaderState))
}

func TestServerUpstreamGoneTrailer(t *testing.T) {
	ts := testServer(t, RegistryConfig{
		SenderGrace:   20 * time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})
	url := ts.URL + "/p"

	pw, putDone := startPut(t, url)
	_, err := pw.Write([]byte("abc"))
	require.NoError(t, err)

	got := doGet(t, url, nil)
	require.Equal(t, http.StatusOK, got.StatusCode)
	head := make([]byte, 3)
	_, err = io.ReadFull(got.Body, head)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(head))

	pw.CloseWithError(errors.New("connection lost"))
	require.Error(t, <-putDone)

	// Once the grace period expires the receiver's stream ends with the
	// error trailer instead of the completion trailer.
	rest, err := io.ReadAll(got.Body)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, ErrorUpstreamGone, got.Trailer.Get(TrailerError))
	assert.Empty(t, got.Trailer.Get(TrailerComplete))
}
