package bazel

import (
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strings"
)

// buildEvent is a single event of a --build_event_json_file stream, or at
// least the minimal structure required to find the aspect's output files.
type buildEvent struct {
	NamedSetOfFiles *namedSetOfFiles `json:"namedSetOfFiles,omitempty"`
}

type namedSetOfFiles struct {
	Files []buildEventFile `json:"files,omitempty"`
}

// buildEventFile is a single "File" of a named set. The URI is expected to be
// a file:// URI.
type buildEventFile struct {
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

func readBuildEvents(filename string) ([]*buildEvent, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readBuildEventsIn(f)
}

func readBuildEventsIn(in io.Reader) ([]*buildEvent, error) {
	var events []*buildEvent

	decoder := json.NewDecoder(in)
	for {
		var evt buildEvent

		err := decoder.Decode(&evt)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		events = append(events, &evt)
	}

	return events, nil
}

// artifactFiles returns the local paths of all files in the event stream
// whose name ends with suffix, in stream order and without duplicates.
// Matching files without a local URI are returned as remote.
func artifactFiles(events []*buildEvent, suffix string) (files []string, remote []string) {
	seen := make(map[string]bool)

	for _, evt := range events {
		if evt.NamedSetOfFiles == nil {
			continue
		}
		for _, file := range evt.NamedSetOfFiles.Files {
			if !strings.HasSuffix(file.Name, suffix) {
				continue
			}
			local := localPath(file.URI)
			if local == "" {
				remote = append(remote, file.Name)
				continue
			}
			if seen[local] {
				continue
			}
			seen[local] = true
			files = append(files, local)
		}
	}

	return files, remote
}

// localPath converts a file:// URI to a path; other schemes (remote cache
// bytestream URIs) are not readable locally and yield "".
func localPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	return u.Path
}
