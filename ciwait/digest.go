package ciwait

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/randalmurphal/prflow/hosting"
)

// failureDigest renders the failing checks into the text handed back to the
// change capability: per check its name, conclusion, details link, any
// inline output, and a bounded extract of its logs. Log download errors are
// swallowed; the digest just omits that section.
func (m *Monitor) failureDigest(ctx context.Context, owner, repo, prURL, sha, observed string, failed []hosting.CheckRun) string {
	var parts []string
	for _, check := range failed {
		name := check.Name
		if name == "" {
			name = "check"
		}
		conclusion := check.Conclusion
		if conclusion == "" {
			conclusion = "unknown"
		}
		parts = append(parts, fmt.Sprintf(
			"### Failed check: %s\n- conclusion: %s\n- details: %s\n",
			name, conclusion, check.DetailsURL))

		summary := strings.TrimSpace(check.Summary)
		text := strings.TrimSpace(check.Text)
		if summary != "" {
			parts = append(parts, "#### Output summary\n"+summary+"\n")
		}
		if text != "" && text != summary {
			parts = append(parts, "#### Output text\n"+text+"\n")
		}

		if logs := m.checkLogs(ctx, owner, repo, check); logs != "" {
			parts = append(parts, logs)
		}
	}

	snippet := strings.TrimSpace(strings.Join(parts, "\n"))
	if snippet == "" {
		snippet = "No logs available."
	}
	return fmt.Sprintf(
		"CI failed for this PR.\n\n- PR: %s\n- head_sha: %s\n- summary: %s\n\n%s",
		prURL, sha, observed, snippet)
}

func (m *Monitor) checkLogs(ctx context.Context, owner, repo string, check hosting.CheckRun) string {
	runID, jobID := hosting.ParseActionsIDs(check.DetailsURL)

	var (
		data    []byte
		err     error
		heading string
	)
	switch {
	case jobID != 0:
		data, err = m.source.JobLogs(ctx, owner, repo, jobID, m.cfg.MaxLogBytes)
		heading = "#### Job logs\n"
	case runID != 0:
		data, err = m.source.RunLogs(ctx, owner, repo, runID, m.cfg.MaxLogBytes)
		heading = "#### Run logs\n"
	default:
		return ""
	}
	if err != nil {
		m.logger.Warn("failed to download CI logs", "details_url", check.DetailsURL, "error", err)
		return ""
	}

	extracted := extractZipText(data, m.cfg.MaxLogChars)
	if strings.TrimSpace(extracted) == "" {
		return ""
	}
	return heading + extracted + "\n"
}

// extractZipText concatenates the text files inside a zip archive, bounded
// to maxChars. Non-zip input is treated as plain text.
func extractZipText(data []byte, maxChars int) string {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		text := string(data)
		if len(text) > maxChars {
			text = text[:maxChars]
		}
		return text
	}

	names := make([]string, 0, len(reader.File))
	byName := make(map[string]*zip.File, len(reader.File))
	for _, f := range reader.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		names = append(names, f.Name)
		byName[f.Name] = f
	}
	sort.Strings(names)

	var chunks []string
	total := 0
	for _, name := range names {
		rc, err := byName[name].Open()
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		_, readErr := buf.ReadFrom(rc)
		rc.Close()
		if readErr != nil {
			continue
		}
		text := buf.String()
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunk := fmt.Sprintf("--- %s ---\n%s\n", name, strings.TrimRight(text, "\n"))
		chunks = append(chunks, chunk)
		total += len(chunk)
		if total >= maxChars {
			break
		}
	}

	combined := strings.TrimSpace(strings.Join(chunks, "\n"))
	if len(combined) > maxChars {
		combined = strings.TrimRight(combined[:maxChars], " \n") + "\n... (truncated)"
	}
	return combined
}
