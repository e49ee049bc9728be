// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package knowledge

import (
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// DefaultChunkTokens is the target chunk size.
	DefaultChunkTokens = 500

	// DefaultChunkHardCap bounds a single chunk even when one paragraph
	// exceeds the target.
	DefaultChunkHardCap = 800
)

// Chunk is one segment of an ingested document.
type Chunk struct {
	Text         string
	SourceOffset int
	TokenCount   int
}

// Chunker splits plain text into token-bounded segments on paragraph
// and sentence boundaries. Token counts come from tiktoken when the
// encoding is available and from a word-based estimate otherwise.
type Chunker struct {
	target  int
	hardCap int
	enc     *tiktoken.Tiktoken
}

// NewChunker creates a chunker with the given target size (0 for
// default).
func NewChunker(targetTokens, hardCap int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = DefaultChunkTokens
	}
	if hardCap <= 0 {
		hardCap = DefaultChunkHardCap
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using word estimate", "error", err)
		enc = nil
	}
	return &Chunker{target: targetTokens, hardCap: hardCap, enc: enc}
}

// CountTokens counts tokens in text.
func (c *Chunker) CountTokens(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	// English averages roughly 0.75 words per token.
	return len(strings.Fields(text)) * 4 / 3
}

// Split chunks a document, preserving source offsets into the original
// text.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	var current strings.Builder
	currentOffset := 0
	currentTokens := 0

	flush := func(nextOffset int) {
		segment := current.String()
		if strings.TrimSpace(segment) != "" {
			chunks = append(chunks, Chunk{
				Text:         strings.TrimSpace(segment),
				SourceOffset: currentOffset,
				TokenCount:   c.CountTokens(strings.TrimSpace(segment)),
			})
		}
		current.Reset()
		currentOffset = nextOffset
		currentTokens = 0
	}

	offset := 0
	for _, para := range splitKeepOffsets(text, "\n\n") {
		paraTokens := c.CountTokens(para.text)

		if paraTokens > c.hardCap {
			// Paragraph alone blows the cap; fall back to sentences. A
			// single sentence over the cap is sliced on word windows.
			for _, sent := range splitSentences(para.text, para.offset) {
				pieces := []segment{sent}
				if c.CountTokens(sent.text) > c.hardCap {
					pieces = c.hardSplit(sent)
				}
				for _, piece := range pieces {
					pieceTokens := c.CountTokens(piece.text)
					if currentTokens > 0 && currentTokens+pieceTokens > c.target {
						flush(piece.offset)
					}
					if current.Len() > 0 {
						current.WriteString(" ")
					}
					current.WriteString(piece.text)
					currentTokens += pieceTokens
				}
			}
			offset = para.offset + len(para.text)
			continue
		}

		if currentTokens > 0 && currentTokens+paraTokens > c.target {
			flush(para.offset)
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para.text)
		currentTokens += paraTokens
		offset = para.offset + len(para.text)
	}
	flush(offset)

	return chunks
}

type segment struct {
	text   string
	offset int
}

func splitKeepOffsets(text, sep string) []segment {
	var out []segment
	offset := 0
	for _, part := range strings.Split(text, sep) {
		if strings.TrimSpace(part) != "" {
			out = append(out, segment{text: part, offset: offset})
		}
		offset += len(part) + len(sep)
	}
	return out
}

// hardSplit slices a sentence that alone exceeds the cap into
// target-sized word windows, keeping offsets into the source text.
func (c *Chunker) hardSplit(s segment) []segment {
	words := strings.Fields(s.text)
	if len(words) < 2 {
		return []segment{s}
	}

	var out []segment
	cursor := 0
	start := 0
	for start < len(words) {
		off := s.offset + cursor
		if idx := strings.Index(s.text[cursor:], words[start]); idx >= 0 {
			off = s.offset + cursor + idx
		}

		end := start
		tokens := 0
		for end < len(words) {
			wt := c.CountTokens(words[end])
			if tokens > 0 && tokens+wt > c.target {
				break
			}
			if idx := strings.Index(s.text[cursor:], words[end]); idx >= 0 {
				cursor += idx + len(words[end])
			}
			tokens += wt
			end++
		}
		out = append(out, segment{text: strings.Join(words[start:end], " "), offset: off})
		start = end
	}
	return out
}

// splitSentences breaks a paragraph on sentence-ending punctuation.
func splitSentences(text string, base int) []segment {
	var out []segment
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			sentence := strings.TrimSpace(text[start:end])
			if sentence != "" {
				out = append(out, segment{text: sentence, offset: base + start})
			}
			start = end
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, segment{text: rest, offset: base + start})
	}
	return out
}
