// Package testutil provides in-process fakes of the minfs metadata service,
// storage nodes and coordination tree for tests.
package testutil

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"minfs/pkg/types"
)

// DataServer is a fake storage node holding files in memory.
type DataServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	files map[string][]byte

	failReads  atomic.Int32
	failWrites atomic.Int32
	reads      atomic.Int32
	writes     atomic.Int32
}

// NewDataServer starts a storage node fake that is shut down with the test.
func NewDataServer(t testing.TB) *DataServer {
	t.Helper()
	d := &DataServer{files: make(map[string][]byte)}

	mux := http.NewServeMux()
	mux.HandleFunc("/file/size", d.handleSize)
	mux.HandleFunc("/file/read", d.handleRead)
	mux.HandleFunc("/file/write", d.handleWrite)

	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

// Endpoint returns the host and port the fake listens on.
func (d *DataServer) Endpoint() types.NodeEndpoint {
	host, port, _ := net.SplitHostPort(d.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return types.NodeEndpoint{Host: host, Port: p}
}

// Replica returns a replica location for path on this node.
func (d *DataServer) Replica(id, path string) types.ReplicaLocation {
	return types.ReplicaLocation{ID: id, Node: d.Endpoint(), Path: path}
}

// Put stores data under path.
func (d *DataServer) Put(path string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = append([]byte(nil), data...)
}

// Contents returns a copy of the stored bytes and whether path exists.
func (d *DataServer) Contents(path string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[path]
	return append([]byte(nil), data...), ok
}

// FailReads makes size and read requests answer with status. Zero restores
// normal behaviour.
func (d *DataServer) FailReads(status int) {
	d.failReads.Store(int32(status))
}

// FailWrites makes write requests answer with status. Zero restores normal
// behaviour.
func (d *DataServer) FailWrites(status int) {
	d.failWrites.Store(int32(status))
}

// Reads returns how many read requests reached the node.
func (d *DataServer) Reads() int {
	return int(d.reads.Load())
}

// Writes returns how many write requests reached the node.
func (d *DataServer) Writes() int {
	return int(d.writes.Load())
}

// Close stops the server so later requests fail to connect.
func (d *DataServer) Close() {
	d.srv.Close()
}

func (d *DataServer) handleSize(w http.ResponseWriter, r *http.Request) {
	if status := int(d.failReads.Load()); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	d.mu.Lock()
	data, ok := d.files[r.URL.Query().Get("path")]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]int64{"size": int64(len(data))})
}

func (d *DataServer) handleRead(w http.ResponseWriter, r *http.Request) {
	d.reads.Add(1)
	if status := int(d.failReads.Load()); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	q := r.URL.Query()
	offset, err1 := strconv.ParseInt(q.Get("offset"), 10, 64)
	size, err2 := strconv.ParseInt(q.Get("size"), 10, 64)
	if err1 != nil || err2 != nil || offset < 0 || size < 0 {
		http.Error(w, "bad range", http.StatusBadRequest)
		return
	}

	d.mu.Lock()
	data, ok := d.files[q.Get("path")]
	d.mu.Unlock()
	if !ok {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	end := offset + size
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data[offset:end])
}

func (d *DataServer) handleWrite(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d.writes.Add(1)
	if status := int(d.failWrites.Load()); status != 0 {
		http.Error(w, "injected failure", status)
		return
	}

	q := r.URL.Query()
	offset, err := strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	path := q.Get("path")
	d.mu.Lock()
	data := d.files[path]
	if need := offset + int64(len(body)); need > int64(len(data)) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:], body)
	d.files[path] = data
	d.mu.Unlock()

	writeJSON(w, map[string]bool{"success": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
