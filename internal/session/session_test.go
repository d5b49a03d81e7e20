package session

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/emilarner/simpicd/internal/activeset"
	"github.com/emilarner/simpicd/internal/cache"
	"github.com/emilarner/simpicd/internal/disposition"
	"github.com/emilarner/simpicd/internal/protocol"
	"github.com/emilarner/simpicd/internal/scanner"
)

func writeTestPNG(t *testing.T, path string, w, h int, fill color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

type harness struct {
	session *Session
	client  net.Conn
	active  *activeset.Set
	done    chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	restore := cache.SetLockSocketPathForTest(filepath.Join(t.TempDir(), "lock.sock"))
	t.Cleanup(restore)

	c, err := cache.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	active := activeset.New()
	disposer := disposition.New(t.TempDir(), false, nil)
	sc := scanner.New(c, 2, nil)

	serverConn, clientConn := net.Pipe()
	sess := New(serverConn, c, active, disposer, sc, t.TempDir(), nil)

	done := make(chan struct{})
	go func() {
		sess.Serve()
		close(done)
	}()

	return &harness{session: sess, client: clientConn, active: active, done: done}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	_ = h.client.Close()
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish after client close")
	}
}

func sendRequest(t *testing.T, conn net.Conn, kind protocol.ClientRequestKind, maxHam uint8, path string) {
	t.Helper()
	pathLen := uint16(0)
	if path != "" {
		pathLen = uint16(len(path) + 1)
	}
	if err := protocol.WriteStruct(conn, protocol.ClientRequest{
		Request:    uint8(kind),
		MaxHam:     maxHam,
		PathLength: pathLen,
	}); err != nil {
		t.Fatalf("send ClientRequest: %v", err)
	}
	if path != "" {
		if _, err := protocol.WriteCString(conn, path); err != nil {
			t.Fatalf("send path: %v", err)
		}
	}
}

func TestSessionScanGroupsDuplicatesAndKeeps(t *testing.T) {
	h := newHarness(t)
	defer h.close(t)

	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "a.png"), 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	writeTestPNG(t, filepath.Join(dir, "b.png"), 4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	sendRequest(t, h.client, protocol.ReqScan, 64, dir)

	var uh protocol.UpdateHeader
	for {
		if err := protocol.ReadStruct(h.client, &uh); err != nil {
			t.Fatalf("read UpdateHeader: %v", err)
		}
		if uh.Done == 1 {
			break
		}
	}

	var mh protocol.MainHeader
	if err := protocol.ReadStruct(h.client, &mh); err != nil {
		t.Fatalf("read MainHeader: %v", err)
	}
	if protocol.MainHeaderCode(mh.Code) != protocol.Success {
		t.Fatalf("MainHeader.Code = %v, want Success", mh.Code)
	}
	if mh.SetNo != 1 {
		t.Fatalf("MainHeader.SetNo = %d, want 1", mh.SetNo)
	}

	var sh protocol.SetHeader
	if err := protocol.ReadStruct(h.client, &sh); err != nil {
		t.Fatalf("read SetHeader: %v", err)
	}
	if sh.Count != 2 {
		t.Fatalf("SetHeader.Count = %d, want 2", sh.Count)
	}

	for i := 0; i < int(sh.Count); i++ {
		var ih protocol.ImageHeader
		if err := protocol.ReadStruct(h.client, &ih); err != nil {
			t.Fatalf("read ImageHeader: %v", err)
		}
		if _, err := protocol.ReadCString(h.client, ih.FilenameLength); err != nil {
			t.Fatalf("read filename: %v", err)
		}
		if _, err := protocol.ReadCString(h.client, ih.PathLength); err != nil {
			t.Fatalf("read path: %v", err)
		}
		if err := protocol.WriteStruct(h.client, protocol.ClientPlea{NoData: 1}); err != nil {
			t.Fatalf("send ClientPlea: %v", err)
		}
	}

	if err := protocol.WriteStruct(h.client, protocol.ClientAction{Action: uint8(protocol.ActionKeep)}); err != nil {
		t.Fatalf("send ClientAction: %v", err)
	}

	sendRequest(t, h.client, protocol.ReqExit, 0, "")

	if _, err := os.Stat(filepath.Join(dir, "a.png")); err != nil {
		t.Errorf("a.png should still exist after Keep: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "b.png")); err != nil {
		t.Errorf("b.png should still exist after Keep: %v", err)
	}
}

func TestSessionCacheRequestSendsNoSetHeader(t *testing.T) {
	h := newHarness(t)
	defer h.close(t)

	dir := t.TempDir()
	writeTestPNG(t, filepath.Join(dir, "solo.png"), 4, 4, color.RGBA{R: 1, G: 2, B: 3, A: 255})

	sendRequest(t, h.client, protocol.ReqCache, 0, dir)

	var mh protocol.MainHeader
	if err := protocol.ReadStruct(h.client, &mh); err != nil {
		t.Fatalf("read MainHeader: %v", err)
	}
	if protocol.MainHeaderCode(mh.Code) != protocol.Success {
		t.Fatalf("MainHeader.Code = %v, want Success", mh.Code)
	}

	sendRequest(t, h.client, protocol.ReqExit, 0, "")
}

func TestSessionDirectoryConflictReportsActive(t *testing.T) {
	h := newHarness(t)
	defer h.close(t)

	dir := t.TempDir()
	if !h.active.Claim(dir, false) {
		t.Fatal("pre-claim of dir failed")
	}
	defer h.active.Release(dir, false)

	sendRequest(t, h.client, protocol.ReqScan, 10, dir)

	var mh protocol.MainHeader
	if err := protocol.ReadStruct(h.client, &mh); err != nil {
		t.Fatalf("read MainHeader: %v", err)
	}
	if protocol.MainHeaderCode(mh.Code) != protocol.DirectoryAlreadyActive {
		t.Fatalf("MainHeader.Code = %v, want DirectoryAlreadyActive", mh.Code)
	}
}

func TestSessionCheckByPathMatchesIdenticalContent(t *testing.T) {
	h := newHarness(t)
	defer h.close(t)

	dir := t.TempDir()
	fill := color.RGBA{R: 40, G: 50, B: 60, A: 255}
	writeTestPNG(t, filepath.Join(dir, "target.png"), 6, 6, fill)

	needleDir := t.TempDir()
	needlePath := filepath.Join(needleDir, "needle.png")
	writeTestPNG(t, needlePath, 6, 6, fill)

	if err := protocol.WriteStruct(h.client, protocol.ClientRequest{
		Request:    uint8(protocol.ReqCheck),
		MaxHam:     0,
		PathLength: uint16(len(dir) + 1),
	}); err != nil {
		t.Fatalf("send ClientRequest: %v", err)
	}
	if _, err := protocol.WriteCString(h.client, dir); err != nil {
		t.Fatalf("send path: %v", err)
	}

	if err := protocol.WriteStruct(h.client, uint16(1)); err != nil {
		t.Fatalf("send needle count: %v", err)
	}
	if err := protocol.WriteStruct(h.client, protocol.ClientCheckRequest{
		Length: uint32(len(needlePath) + 1),
		Type:   uint8(protocol.DataTypeImage),
		Method: uint8(protocol.CheckByPath),
	}); err != nil {
		t.Fatalf("send ClientCheckRequest: %v", err)
	}
	if _, err := protocol.WriteCString(h.client, needlePath); err != nil {
		t.Fatalf("send needle path: %v", err)
	}

	var mh protocol.MainHeader
	if err := protocol.ReadStruct(h.client, &mh); err != nil {
		t.Fatalf("read MainHeader: %v", err)
	}
	if protocol.MainHeaderCode(mh.Code) != protocol.Success {
		t.Fatalf("MainHeader.Code = %v, want Success", mh.Code)
	}
	if mh.SetNo != 1 {
		t.Fatalf("MainHeader.SetNo = %d, want 1", mh.SetNo)
	}

	var sh protocol.SetHeader
	if err := protocol.ReadStruct(h.client, &sh); err != nil {
		t.Fatalf("read SetHeader: %v", err)
	}
	if sh.CheckID != 0 {
		t.Errorf("SetHeader.CheckID = %d, want 0", sh.CheckID)
	}
	if sh.Count != 2 {
		t.Fatalf("SetHeader.Count = %d, want 2 (the needle itself, then target.png)", sh.Count)
	}

	for i := 0; i < int(sh.Count); i++ {
		var ih protocol.ImageHeader
		if err := protocol.ReadStruct(h.client, &ih); err != nil {
			t.Fatalf("read ImageHeader: %v", err)
		}
		if _, err := protocol.ReadCString(h.client, ih.FilenameLength); err != nil {
			t.Fatalf("read filename: %v", err)
		}
		if _, err := protocol.ReadCString(h.client, ih.PathLength); err != nil {
			t.Fatalf("read path: %v", err)
		}
		if err := protocol.WriteStruct(h.client, protocol.ClientPlea{NoData: 1}); err != nil {
			t.Fatalf("send ClientPlea: %v", err)
		}
	}
	if err := protocol.WriteStruct(h.client, protocol.ClientAction{Action: uint8(protocol.ActionKeep)}); err != nil {
		t.Fatalf("send ClientAction: %v", err)
	}

	sendRequest(t, h.client, protocol.ReqExit, 0, "")
}

func TestSessionDeleteActionDisposesFile(t *testing.T) {
	h := newHarness(t)
	defer h.close(t)

	dir := t.TempDir()
	fill := color.RGBA{R: 9, G: 9, B: 9, A: 255}
	writeTestPNG(t, filepath.Join(dir, "a.png"), 4, 4, fill)
	writeTestPNG(t, filepath.Join(dir, "b.png"), 4, 4, fill)

	sendRequest(t, h.client, protocol.ReqScan, 64, dir)

	var uh protocol.UpdateHeader
	for {
		if err := protocol.ReadStruct(h.client, &uh); err != nil {
			t.Fatalf("read UpdateHeader: %v", err)
		}
		if uh.Done == 1 {
			break
		}
	}

	var mh protocol.MainHeader
	if err := protocol.ReadStruct(h.client, &mh); err != nil {
		t.Fatalf("read MainHeader: %v", err)
	}
	var sh protocol.SetHeader
	if err := protocol.ReadStruct(h.client, &sh); err != nil {
		t.Fatalf("read SetHeader: %v", err)
	}

	names := make([]string, 0, sh.Count)
	for i := 0; i < int(sh.Count); i++ {
		var ih protocol.ImageHeader
		if err := protocol.ReadStruct(h.client, &ih); err != nil {
			t.Fatalf("read ImageHeader: %v", err)
		}
		name, err := protocol.ReadCString(h.client, ih.FilenameLength)
		if err != nil {
			t.Fatalf("read filename: %v", err)
		}
		names = append(names, name)
		if _, err := protocol.ReadCString(h.client, ih.PathLength); err != nil {
			t.Fatalf("read path: %v", err)
		}
		if err := protocol.WriteStruct(h.client, protocol.ClientPlea{NoData: 1}); err != nil {
			t.Fatalf("send ClientPlea: %v", err)
		}
	}

	if err := protocol.WriteStruct(h.client, protocol.ClientAction{Action: uint8(protocol.ActionDelete), Deletions: 1}); err != nil {
		t.Fatalf("send ClientAction: %v", err)
	}
	if _, err := h.client.Write([]byte{0}); err != nil {
		t.Fatalf("send deletion index: %v", err)
	}

	sendRequest(t, h.client, protocol.ReqExit, 0, "")

	deletedPath := filepath.Join(dir, names[0])
	if _, err := os.Stat(deletedPath); !os.IsNotExist(err) {
		t.Errorf("%s should have been disposed of, still exists", deletedPath)
	}
}
