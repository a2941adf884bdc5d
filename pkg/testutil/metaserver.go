package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"minfs/pkg/types"
)

type metaEntry struct {
	fileType types.FileType
	mtime    int64
}

// MetaServer is a fake metadata service. Every file it creates is placed on
// all of its data servers, in the order they were given.
type MetaServer struct {
	srv  *httptest.Server
	data []*DataServer

	mu       sync.Mutex
	entries  map[string]*metaEntry
	requests []string
	lastNS   string
	seq      int

	fail atomic.Int32
}

// NewMetaServer starts a metadata fake that places replicas on data.
func NewMetaServer(t testing.TB, data ...*DataServer) *MetaServer {
	t.Helper()
	m := &MetaServer{
		data:    data,
		entries: map[string]*metaEntry{"/": {fileType: types.FileTypeDirectory}},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/file/create", m.handleCreate)
	mux.HandleFunc("/directory/create", m.handleMkdir)
	mux.HandleFunc("/file/delete", m.handleDelete)
	mux.HandleFunc("/file/stats", m.handleStats)
	mux.HandleFunc("/directory/list", m.handleList)

	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

// Endpoint returns the host and port the fake listens on.
func (m *MetaServer) Endpoint() types.NodeEndpoint {
	host, port, _ := net.SplitHostPort(m.srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return types.NodeEndpoint{Host: host, Port: p}
}

// MasterMetadataEndpoint lets the fake act as its own resolver.
func (m *MetaServer) MasterMetadataEndpoint() (types.NodeEndpoint, bool) {
	return m.Endpoint(), true
}

// Fail makes every request answer with status. Zero restores normal
// behaviour.
func (m *MetaServer) Fail(status int) {
	m.fail.Store(int32(status))
}

// Requests returns "METHOD /endpoint" for every request received.
func (m *MetaServer) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.requests...)
}

// LastNamespace returns the fileSystemName of the latest request.
func (m *MetaServer) LastNamespace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastNS
}

// AddFile registers a file entry without going through create.
func (m *MetaServer) AddFile(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(p, types.FileTypeFile)
}

type pathBody struct {
	Path           string `json:"path"`
	FileSystemName string `json:"fileSystemName"`
	Recursive      bool   `json:"recursive"`
}

func (m *MetaServer) begin(w http.ResponseWriter, r *http.Request, method string) bool {
	m.mu.Lock()
	m.requests = append(m.requests, r.Method+" "+r.URL.Path)
	m.mu.Unlock()

	if status := int(m.fail.Load()); status != 0 {
		http.Error(w, "injected failure", status)
		return false
	}
	if r.Method != method {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (m *MetaServer) decodeBody(w http.ResponseWriter, r *http.Request) (pathBody, bool) {
	var body pathBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return body, false
	}
	m.mu.Lock()
	m.lastNS = body.FileSystemName
	m.mu.Unlock()
	return body, true
}

func (m *MetaServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !m.begin(w, r, http.MethodPost) {
		return
	}
	body, ok := m.decodeBody(w, r)
	if !ok {
		return
	}
	p := clean(body.Path)

	m.mu.Lock()
	if e, exists := m.entries[p]; exists && e.fileType == types.FileTypeDirectory {
		m.mu.Unlock()
		http.Error(w, "is a directory", http.StatusConflict)
		return
	}
	m.addLocked(p, types.FileTypeFile)
	info := m.statLocked(p)
	m.mu.Unlock()

	for _, d := range m.data {
		d.Put(p, nil)
	}
	writeJSON(w, info)
}

func (m *MetaServer) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if !m.begin(w, r, http.MethodPost) {
		return
	}
	body, ok := m.decodeBody(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(body.Path)
	if e, exists := m.entries[p]; exists && e.fileType != types.FileTypeDirectory {
		http.Error(w, "file exists", http.StatusConflict)
		return
	}
	m.addLocked(p, types.FileTypeDirectory)
	writeJSON(w, map[string]bool{"success": true})
}

func (m *MetaServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !m.begin(w, r, http.MethodDelete) {
		return
	}
	body, ok := m.decodeBody(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p := clean(body.Path)
	if _, exists := m.entries[p]; !exists || p == "/" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	children := m.childrenLocked(p)
	if len(children) > 0 && !body.Recursive {
		http.Error(w, "directory not empty", http.StatusConflict)
		return
	}
	for key := range m.entries {
		if key == p || strings.HasPrefix(key, p+"/") {
			delete(m.entries, key)
		}
	}
	writeJSON(w, map[string]bool{"success": true})
}

func (m *MetaServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !m.begin(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	p := clean(q.Get("path"))

	m.mu.Lock()
	m.lastNS = q.Get("fileSystemName")
	_, exists := m.entries[p]
	var info map[string]interface{}
	if exists {
		info = m.statLocked(p)
	}
	m.mu.Unlock()

	if !exists {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (m *MetaServer) handleList(w http.ResponseWriter, r *http.Request) {
	if !m.begin(w, r, http.MethodGet) {
		return
	}
	q := r.URL.Query()
	p := clean(q.Get("path"))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastNS = q.Get("fileSystemName")
	e, exists := m.entries[p]
	if !exists || e.fileType != types.FileTypeDirectory {
		http.Error(w, "not a directory", http.StatusNotFound)
		return
	}

	items := []map[string]interface{}{}
	for _, child := range m.childrenLocked(p) {
		items = append(items, m.statLocked(child))
	}
	writeJSON(w, map[string]interface{}{"items": items})
}

// addLocked adds p and any missing parent directories.
func (m *MetaServer) addLocked(p string, fileType types.FileType) {
	now := time.Now().UnixMilli()
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		if _, ok := m.entries[dir]; !ok {
			m.entries[dir] = &metaEntry{fileType: types.FileTypeDirectory, mtime: now}
		}
	}
	if e, ok := m.entries[p]; ok {
		e.mtime = now
		return
	}
	m.entries[p] = &metaEntry{fileType: fileType, mtime: now}
}

func (m *MetaServer) childrenLocked(p string) []string {
	var children []string
	for key := range m.entries {
		if key != "/" && key != p && path.Dir(key) == p {
			children = append(children, key)
		}
	}
	sort.Strings(children)
	return children
}

func (m *MetaServer) statLocked(p string) map[string]interface{} {
	e := m.entries[p]
	info := map[string]interface{}{
		"path":        p,
		"size":        0,
		"mtime":       e.mtime,
		"type":        int(e.fileType),
		"replicaData": []map[string]string{},
	}
	if e.fileType != types.FileTypeFile {
		return info
	}

	replicas := make([]map[string]string, 0, len(m.data))
	for i, d := range m.data {
		replicas = append(replicas, map[string]string{
			"id":     fmt.Sprintf("replica-%d", i),
			"dsNode": d.Endpoint().Address(),
			"path":   p,
		})
	}
	info["replicaData"] = replicas
	if len(m.data) > 0 {
		data, _ := m.data[0].Contents(p)
		info["size"] = len(data)
	}
	return info
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}
