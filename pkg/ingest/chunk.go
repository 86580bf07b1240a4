package ingest

import (
	"strings"
	"unicode"

	"github.com/corvus-kb/corvus/pkg/common"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkoukk/tiktoken-go"
)

// Page is one page of raw document text as delivered by the caller.
type Page struct {
	Number int
	Text   string
}

type pagedSentence struct {
	text string
	page int
}

// sectionsFromPages splits the document text into sections of at most
// maxTokens tokens, never breaking inside a sentence. Each section keeps
// the page range its sentences came from.
func sectionsFromPages(
	docID string,
	pages []Page,
	encoder string,
	maxTokens int,
) ([]common.Section, error) {
	enc, err := tiktoken.GetEncoding(encoder)
	if err != nil {
		return nil, err
	}

	var sentences []pagedSentence
	for _, page := range pages {
		for _, s := range splitIntoSentences(page.Text) {
			sentences = append(sentences, pagedSentence{text: s, page: page.Number})
		}
	}
	if len(sentences) == 0 {
		return nil, nil
	}

	var sections []common.Section
	chunkStart := -1
	chunkEnd := -1

	flush := func() error {
		if chunkStart < 0 || chunkEnd <= chunkStart {
			return nil
		}
		id, err := gonanoid.New()
		if err != nil {
			return err
		}

		var text strings.Builder
		for i := chunkStart; i < chunkEnd; i++ {
			if i > chunkStart {
				text.WriteString(" ")
			}
			text.WriteString(sentences[i].text)
		}

		sections = append(sections, common.Section{
			ID:         id,
			DocumentID: docID,
			Index:      len(sections),
			Text:       strings.TrimSpace(text.String()),
			PageStart:  sentences[chunkStart].page,
			PageEnd:    sentences[chunkEnd-1].page,
		})
		chunkStart = -1
		chunkEnd = -1
		return nil
	}

	for i := range sentences {
		if chunkStart < 0 {
			chunkStart = i
			chunkEnd = i + 1
			continue
		}

		var test strings.Builder
		for j := chunkStart; j <= i; j++ {
			if j > chunkStart {
				test.WriteString(" ")
			}
			test.WriteString(sentences[j].text)
		}

		if len(enc.Encode(test.String(), nil, nil)) <= maxTokens {
			chunkEnd = i + 1
		} else {
			if err := flush(); err != nil {
				return nil, err
			}
			chunkStart = i
			chunkEnd = i + 1
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return sections, nil
}

func splitIntoSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if current.Len() > 0 {
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
			}
			continue
		}

		for _, sentence := range splitLineIntoSentences(trimmed) {
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(sentence)

			switch {
			case strings.HasSuffix(sentence, "."),
				strings.HasSuffix(sentence, "!"),
				strings.HasSuffix(sentence, "?"):
				sentences = append(sentences, strings.TrimSpace(current.String()))
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}

	var result []string
	for _, sentence := range sentences {
		if strings.TrimSpace(sentence) != "" {
			result = append(result, sentence)
		}
	}
	return result
}

func splitLineIntoSentences(line string) []string {
	var sentences []string
	var current strings.Builder

	for i := 0; i < len(line); i++ {
		current.WriteByte(line[i])

		if line[i] == '.' || line[i] == '!' || line[i] == '?' {
			// "1. item" style listings are not sentence boundaries
			isNumericListing := false
			if i > 0 && unicode.IsDigit(rune(line[i-1])) {
				if i+1 < len(line) && line[i+1] == ' ' {
					isNumericListing = true
				}
			}
			if isNumericListing {
				continue
			}

			j := i + 1
			for j < len(line) && (line[j] == '.' || line[j] == '!' || line[j] == '?') {
				current.WriteByte(line[j])
				j++
			}
			for j < len(line) && (line[j] == '"' || line[j] == '\'' || line[j] == ')' ||
				line[j] == ']' || line[j] == '}') {
				current.WriteByte(line[j])
				j++
			}

			sentence := strings.TrimSpace(current.String())
			if sentence != "" {
				sentences = append(sentences, sentence)
			}
			current.Reset()
			i = j - 1
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}
