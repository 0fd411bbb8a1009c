package bazel

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const sampleBuildEvents = `{"id":{"started":{}},"started":{"uuid":"a3c0"}}
{"id":{"namedSet":{"id":"0"}},"namedSetOfFiles":{"files":[{"name":"tulsi_test/Library.tulsiinfo","uri":"file:///out/bin/tulsi_test/Library.tulsiinfo"},{"name":"tulsi_test/libLibrary.a","uri":"file:///out/bin/tulsi_test/libLibrary.a"}]}}
{"id":{"namedSet":{"id":"1"}},"namedSetOfFiles":{"files":[{"name":"tulsi_test/Binary.tulsiinfo","uri":"file:///out/bin/tulsi_test/Binary.tulsiinfo"},{"name":"tulsi_test/Library.tulsiinfo","uri":"file:///out/bin/tulsi_test/Library.tulsiinfo"}]}}
{"id":{"namedSet":{"id":"2"}},"namedSetOfFiles":{"files":[{"name":"tulsi_test/App.tulsiinfo","uri":"bytestream://cache.example.com/blobs/1234/56"}]}}
{"id":{"buildFinished":{}},"finished":{"exitCode":{"name":"SUCCESS"}}}
`

func TestReadBuildEventsIn(t *testing.T) {
	events, err := readBuildEventsIn(strings.NewReader(sampleBuildEvents))
	if err != nil {
		t.Fatalf("readBuildEventsIn() error = %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	files, remote := artifactFiles(events, ".tulsiinfo")

	wantFiles := []string{
		"/out/bin/tulsi_test/Library.tulsiinfo",
		"/out/bin/tulsi_test/Binary.tulsiinfo",
	}
	if diff := cmp.Diff(wantFiles, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tulsi_test/App.tulsiinfo"}, remote); diff != "" {
		t.Errorf("remote mismatch (-want +got):\n%s", diff)
	}
}

func TestArtifactFilesIgnoresOtherPayloads(t *testing.T) {
	// Target completion events reference output groups by named set ID only;
	// the files themselves are listed once, in namedSetOfFiles events.
	stream := `{"id":{"targetCompleted":{"label":"//tulsi_test:Library","aspect":"@tulsi//:tulsi/tulsi_aspects.bzl%tulsi_sources_aspect"}},"completed":{"success":true,"outputGroup":[{"name":"tulsi-info","fileSets":[{"id":"0"}]}]}}
{"id":{"namedSet":{"id":"0"}},"namedSetOfFiles":{"files":[{"name":"tulsi_test/Library.tulsiinfo","uri":"file:///out/bin/tulsi_test/Library.tulsiinfo","pathPrefix":["bazel-out","darwin-fastbuild","bin"]}]}}
`
	events, err := readBuildEventsIn(strings.NewReader(stream))
	if err != nil {
		t.Fatalf("readBuildEventsIn() error = %v", err)
	}

	files, remote := artifactFiles(events, ".tulsiinfo")
	if diff := cmp.Diff([]string{"/out/bin/tulsi_test/Library.tulsiinfo"}, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
	if len(remote) != 0 {
		t.Errorf("expected no remote files, got %v", remote)
	}
}

func TestReadBuildEventsInMalformed(t *testing.T) {
	_, err := readBuildEventsIn(strings.NewReader(`{"id":{}}` + "\n" + `{"namedSetOfFiles":`))
	if err == nil {
		t.Fatal("expected error for truncated stream")
	}
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		uri  string
		want string
	}{
		{"file:///private/var/tmp/out/a.tulsiinfo", "/private/var/tmp/out/a.tulsiinfo"},
		{"file:///path%20with%20space/a.tulsiinfo", "/path with space/a.tulsiinfo"},
		{"bytestream://remote/blobs/abc/12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := localPath(tt.uri); got != tt.want {
			t.Errorf("localPath(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}
