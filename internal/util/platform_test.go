package util

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objects.dat")
	if FileExists(path) {
		t.Fatal("missing file reported as existing")
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) || !FileExists(dir) {
		t.Fatal("existing path reported as missing")
	}
}

func TestGetLocalIPIsIPv4(t *testing.T) {
	ip, err := GetLocalIP()
	if err != nil {
		t.Skipf("no interfaces: %v", err)
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.To4() == nil {
		t.Fatalf("GetLocalIP = %q", ip)
	}
}
