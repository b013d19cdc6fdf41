// Command docgen scans the @Title/@Route/@Description/@Response comments
// on the API handlers and writes an AsciiDoc API reference.
package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

type Endpoint struct {
	Title       string
	Route       string
	Description string
	Response    string
}

var (
	reTitle = regexp.MustCompile(`// @Title: (.*)`)
	reRoute = regexp.MustCompile(`// @Route: (.*)`)
	reDesc  = regexp.MustCompile(`// @Description: (.*)`)
	reResp  = regexp.MustCompile(`// @Response: (.*)`)
)

func main() {
	apiDir := pflag.String("api-dir", "internal/api", "Directory holding the annotated handlers")
	out := pflag.StringP("out", "o", "docs/api-reference.adoc", "Output AsciiDoc file")
	pflag.Parse()

	files, err := os.ReadDir(*apiDir)
	if err != nil {
		log.Fatalf("read %s: %v", *apiDir, err)
	}

	var endpoints []Endpoint
	for _, file := range files {
		name := file.Name()
		if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := os.Open(filepath.Join(*apiDir, name))
		if err != nil {
			log.Fatalf("open %s: %v", name, err)
		}
		found, err := parseEndpoints(f)
		f.Close()
		if err != nil {
			log.Fatalf("scan %s: %v", name, err)
		}
		endpoints = append(endpoints, found...)
	}

	sort.SliceStable(endpoints, func(i, j int) bool {
		return routePath(endpoints[i].Route) < routePath(endpoints[j].Route)
	})

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}
	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("create %s: %v", *out, err)
	}
	defer f.Close()

	if err := renderAsciiDoc(f, endpoints); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("Generated %s (%d endpoints)\n", *out, len(endpoints))
}

// parseEndpoints collects annotation blocks. A block ends at @Response and
// is kept only when it has a title and a route.
func parseEndpoints(r io.Reader) ([]Endpoint, error) {
	var endpoints []Endpoint
	var current Endpoint

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if match := reTitle.FindStringSubmatch(line); len(match) > 1 {
			current.Title = strings.TrimSpace(match[1])
		}
		if match := reRoute.FindStringSubmatch(line); len(match) > 1 {
			current.Route = strings.TrimSpace(match[1])
		}
		if match := reDesc.FindStringSubmatch(line); len(match) > 1 {
			current.Description = strings.TrimSpace(match[1])
		}
		if match := reResp.FindStringSubmatch(line); len(match) > 1 {
			current.Response = strings.TrimSpace(match[1])
			if current.Title != "" && current.Route != "" {
				endpoints = append(endpoints, current)
			}
			current = Endpoint{}
		}
	}
	return endpoints, scanner.Err()
}

func routePath(route string) string {
	if _, path, ok := strings.Cut(route, " "); ok {
		return path
	}
	return route
}

func renderAsciiDoc(w io.Writer, endpoints []Endpoint) error {
	var b strings.Builder
	b.WriteString("= API Reference\n")
	b.WriteString(":toc:\n\n")
	b.WriteString("Generated by `go run ./cmd/docgen` from the handler annotations in `internal/api`.\n\n")
	b.WriteString("Errors are returned as `{\"error\": \"...\", \"kind\": \"...\"}`.\n")

	for _, ep := range endpoints {
		fmt.Fprintf(&b, "\n== %s\n\n", ep.Title)
		fmt.Fprintf(&b, "`%s`\n\n", ep.Route)
		if ep.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", ep.Description)
		}
		if ep.Response != "" {
			b.WriteString("[source,json]\n----\n")
			b.WriteString(ep.Response)
			b.WriteString("\n----\n")
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}
