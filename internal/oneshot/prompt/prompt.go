// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt renders the worker/reworker/auditor prompt text in either
// of two dialects: XML-tagged sections (the default) or Markdown headers
// (for agents whose own prompting conventions collide with angle brackets).
package prompt

import "strings"

// Role is the logical turn a prompt is built for.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleReworker Role = "reworker"
	RoleAuditor  Role = "auditor"
)

// Sections holds the optional content blocks a prompt may include. Empty
// fields are omitted from the rendered output rather than emitted as
// empty tags.
type Sections struct {
	Header          string
	Instruction     string
	WorkerResult    string
	LeadingContext  string
	TrailingContext string
	AuditorFeedback string
}

// Dialect renders Sections into prompt text for one Role.
type Dialect interface {
	Name() string
	Render(role Role, s Sections) string
}

// xmlDialect is the default: <oneshot>/<instruction>/<worker-result> with
// nested <leading-context>/<trailing-context>/<auditor-feedback>.
type xmlDialect struct{}

// XML is the default prompt dialect.
var XML Dialect = xmlDialect{}

func (xmlDialect) Name() string { return "xml" }

func (xmlDialect) Render(role Role, s Sections) string {
	var b strings.Builder
	if s.Header != "" {
		b.WriteString(s.Header)
		b.WriteString("\n\n")
	}

	b.WriteString("<oneshot>\n")
	writeXMLSection(&b, "instruction", s.Instruction)

	if s.WorkerResult != "" || s.LeadingContext != "" || s.TrailingContext != "" {
		b.WriteString("<worker-result>\n")
		writeXMLSection(&b, "leading-context", s.LeadingContext)
		if s.WorkerResult != "" {
			b.WriteString(s.WorkerResult)
			b.WriteString("\n")
		}
		writeXMLSection(&b, "trailing-context", s.TrailingContext)
		b.WriteString("</worker-result>\n")
	}

	writeXMLSection(&b, "auditor-feedback", s.AuditorFeedback)
	b.WriteString("</oneshot>\n")
	return b.String()
}

func writeXMLSection(b *strings.Builder, tag, content string) {
	if content == "" {
		return
	}
	b.WriteString("<")
	b.WriteString(tag)
	b.WriteString(">\n")
	b.WriteString(content)
	b.WriteString("\n</")
	b.WriteString(tag)
	b.WriteString(">\n")
}

// markdownDialect renders the same logical sections as `#`/`##` headers,
// used by cline-style executors whose own prompting collides with
// angle-bracket tags.
type markdownDialect struct{}

// Markdown is the cline-style prompt dialect.
var Markdown Dialect = markdownDialect{}

func (markdownDialect) Name() string { return "markdown" }

func (markdownDialect) Render(role Role, s Sections) string {
	var b strings.Builder
	if s.Header != "" {
		b.WriteString(s.Header)
		b.WriteString("\n\n")
	}

	writeMarkdownSection(&b, "# Instruction", s.Instruction)

	if s.WorkerResult != "" || s.LeadingContext != "" || s.TrailingContext != "" {
		b.WriteString("# Worker Result\n\n")
		writeMarkdownSection(&b, "## Leading Context", s.LeadingContext)
		if s.WorkerResult != "" {
			b.WriteString(s.WorkerResult)
			b.WriteString("\n\n")
		}
		writeMarkdownSection(&b, "## Trailing Context", s.TrailingContext)
	}

	writeMarkdownSection(&b, "# Auditor Feedback", s.AuditorFeedback)
	return b.String()
}

func writeMarkdownSection(b *strings.Builder, header, content string) {
	if content == "" {
		return
	}
	b.WriteString(header)
	b.WriteString("\n\n")
	b.WriteString(content)
	b.WriteString("\n\n")
}

// Format is a convenience wrapper used by Executor.FormatPrompt
// implementations: header is the user-supplied correlation-id header
// always prepended so executor recovery can locate the right task
// directory; context fills the auditor-feedback section on reworker turns
// and the worker-result section on auditor turns, and worker turns ignore
// it.
func Format(d Dialect, role Role, task, header, context string) string {
	s := Sections{Header: header, Instruction: task}
	switch role {
	case RoleReworker:
		s.AuditorFeedback = context
	case RoleAuditor:
		s.WorkerResult = context
	}
	return d.Render(role, s)
}
