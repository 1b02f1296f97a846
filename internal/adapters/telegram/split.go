package telegram

import "strings"

// MessageLimit — максимальная длина сообщения Telegram в символах.
const MessageLimit = 4096

// SplitMessage делит текст на части не длиннее MessageLimit.
func SplitMessage(text string) []string {
	return Split(text, MessageLimit)
}

// Split делит текст на части не длиннее limit символов. Граница выбирается по убыванию
// предпочтения: пустая строка между блоками, перевод строки, пробел, жёсткий разрез.
func Split(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if limit <= 0 || len(runes) <= limit {
		return []string{trimmed}
	}

	var parts []string
	for start := 0; start < len(runes); {
		end := start + limit
		if end >= len(runes) {
			if chunk := strings.TrimSpace(string(runes[start:])); chunk != "" {
				parts = append(parts, chunk)
			}
			break
		}

		split := cutPoint(runes, start, end)
		if chunk := strings.TrimSpace(string(runes[start:split])); chunk != "" {
			parts = append(parts, chunk)
		}
		start = split
		for start < len(runes) && (runes[start] == '\n' || runes[start] == ' ') {
			start++
		}
	}
	return parts
}

func cutPoint(runes []rune, start, end int) int {
	for i := end; i > start+1; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for _, sep := range []rune{'\n', ' '} {
		for i := end; i > start; i-- {
			if runes[i-1] == sep {
				return i
			}
		}
	}
	return end
}
