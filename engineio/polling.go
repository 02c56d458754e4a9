package engineio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ghuvrons/siolink/engineio/parser"
	"github.com/hashicorp/go-cleanhttp"
	"go.uber.org/zap"
)

// pollingTransport is the HTTP long-polling client transport: a GET is kept
// outstanding to receive, and each batch of writes is one POST.
type pollingTransport struct {
	*transportBase
	client  *http.Client
	polling bool
	ctx     context.Context
	cancel  context.CancelFunc
}

func newPollingTransport(opts TransportOptions) (Transport, error) {
	client := opts.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	t := &pollingTransport{
		transportBase: newTransportBase(TRANSPORT_POLLING, opts),
		client:        client,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.doOpen = t.poll
	t.doClose = t.closePolling
	t.write = t.writePackets
	return t, nil
}

// Pause waits for the outstanding poll and write to finish. No new poll is
// started while pausing because onData only polls again in the open state.
func (t *pollingTransport) Pause(onPause func()) {
	t.readyState = statePausing
	pause := func() {
		t.readyState = statePaused
		t.logger.Debug("polling_paused")
		onPause()
	}

	if !t.polling && t.writable {
		pause()
		return
	}

	total := 0
	done := func(...any) {
		total--
		if total == 0 {
			pause()
		}
	}
	if t.polling {
		total++
		t.Once("pollComplete", done)
	}
	if !t.writable {
		total++
		t.Once("drain", done)
	}
}

func (t *pollingTransport) Close() {
	t.transportBase.Close()
	t.cancel()
}

func (t *pollingTransport) poll() {
	t.polling = true
	uri := t.uri("http", "https")
	go func() {
		body, err := t.request(t.ctx, http.MethodGet, uri, nil)
		t.post(func() {
			if err != nil {
				t.onError("xhr poll error", err)
				return
			}
			t.onPayload(body)
		})
	}()
	t.Emit("poll")
}

func (t *pollingTransport) onPayload(body []byte) {
	for _, packet := range parser.DecodePayload(body) {
		if t.readyState == StateOpening && packet.Type == parser.PACKET_OPEN {
			t.onOpen()
		}
		if packet.Type == parser.PACKET_CLOSE {
			t.onClose(fmt.Errorf("transport closed by the server"))
			return
		}
		t.onPacket(packet)
		if t.readyState == StateClosed {
			return
		}
	}

	if t.readyState != StateClosed {
		t.polling = false
		t.Emit("pollComplete")
		if t.readyState == StateOpen {
			t.poll()
		}
	}
}

func (t *pollingTransport) writePackets(packets []parser.Packet) {
	t.writable = false
	body := parser.EncodePayload(packets)
	uri := t.uri("http", "https")
	go func() {
		_, err := t.request(t.ctx, http.MethodPost, uri, body)
		t.post(func() {
			if err != nil {
				t.onError("xhr post error", err)
				return
			}
			t.onDrain()
		})
	}()
}

// closePolling sends a close packet once the transport is open. The request
// is detached from t.ctx, which is cancelled right after.
func (t *pollingTransport) closePolling() {
	send := func(...any) {
		body := parser.EncodePayload([]parser.Packet{parser.NewPacket(parser.PACKET_CLOSE, nil)})
		uri := t.uri("http", "https")
		go func() {
			if _, err := t.request(context.Background(), http.MethodPost, uri, body); err != nil {
				t.logger.Debug("polling_close_failed", zap.Error(err))
			}
		}()
	}
	if t.readyState == StateOpen {
		send()
		return
	}
	t.Once("open", send)
}

func (t *pollingTransport) request(ctx context.Context, method, uri string, body []byte) ([]byte, error) {
	if t.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.RequestTimeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range t.opts.Headers {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}
