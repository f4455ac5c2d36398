package pool

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// Transport returns a RoundTripper that routes each request through the
// pooled connection for its origin. The connection stays active until the
// response body is closed or fully read.
func (p *Pool) Transport() http.RoundTripper {
	return &transport{pool: p}
}

type transport struct {
	pool *Pool
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	origin, err := OriginOf(req)
	if err != nil {
		return nil, err
	}
	conn, err := t.pool.Acquire(req.Context(), origin)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := conn.transport.RoundTrip(req)
	if err != nil {
		t.pool.Release(conn, false, time.Since(start))
		return nil, err
	}

	success := resp.StatusCode < http.StatusInternalServerError
	resp.Body = &releasingBody{
		ReadCloser: resp.Body,
		release: func() {
			t.pool.Release(conn, success, time.Since(start))
		},
	}
	return resp, nil
}

// releasingBody returns its connection to the pool exactly once.
type releasingBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err == io.EOF {
		b.once.Do(b.release)
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
