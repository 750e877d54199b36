//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// chatHistory holds prior inputs for up/down recall within one session.
var chatHistory []string

// readInteractiveLine reads one line from stdin with basic editing: cursor
// movement, backspace/delete, Ctrl+A/E/W and history recall. When stdin is
// not a terminal it falls back to plain buffered reads.
func readInteractiveLine(prompt string) (string, error) {
	if !stdinIsTTY() {
		r := bufio.NewReader(os.Stdin)
		s, err := r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s == "" && err == io.EOF {
			return "", io.EOF
		}
		return trimTrailingNewline(s), nil
	}

	fd := int(os.Stdin.Fd())
	saved, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, saved)
	}()

	fmt.Print(prompt)
	line := make([]byte, 0, 128)
	cursor := 0
	histPos := len(chatHistory)
	draft := ""

	redraw := func() {
		fmt.Printf("\r%s%s\x1b[K", prompt, string(line))
		if cursor < len(line) {
			fmt.Printf("\r%s%s", prompt, string(line[:cursor]))
		}
	}
	recall := func(pos int) {
		if pos == len(chatHistory) {
			line = append(line[:0], draft...)
		} else {
			line = append(line[:0], chatHistory[pos]...)
		}
		histPos = pos
		cursor = len(line)
		redraw()
	}
	deleteWordBack := func() {
		start := cursor
		for start > 0 && line[start-1] == ' ' {
			start--
		}
		for start > 0 && line[start-1] != ' ' {
			start--
		}
		line = append(line[:start], line[cursor:]...)
		cursor = start
		redraw()
	}

	var buf [16]byte
	var esc strings.Builder
	escState := 0
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			b := buf[i]
			if escState == 1 {
				if b == '[' {
					escState = 2
					esc.Reset()
				} else {
					escState = 0
				}
				continue
			}
			if escState == 2 {
				esc.WriteByte(b)
				if (b >= 'A' && b <= 'Z') || b == '~' {
					switch esc.String() {
					case "A":
						if histPos > 0 {
							if histPos == len(chatHistory) {
								draft = string(line)
							}
							recall(histPos - 1)
						}
					case "B":
						if histPos < len(chatHistory) {
							recall(histPos + 1)
						}
					case "C":
						if cursor < len(line) {
							cursor++
							redraw()
						}
					case "D":
						if cursor > 0 {
							cursor--
							redraw()
						}
					case "H":
						cursor = 0
						redraw()
					case "F":
						cursor = len(line)
						redraw()
					case "3~":
						if cursor < len(line) {
							line = append(line[:cursor], line[cursor+1:]...)
							redraw()
						}
					}
					escState = 0
				}
				continue
			}

			switch b {
			case 27: // ESC
				escState = 1
			case '\r', '\n':
				fmt.Print("\r\n")
				out := string(line)
				if strings.TrimSpace(out) != "" {
					chatHistory = append(chatHistory, out)
				}
				return out, nil
			case 3: // Ctrl+C
				fmt.Print("^C\r\n")
				return "", io.EOF
			case 4: // Ctrl+D
				if len(line) == 0 {
					fmt.Print("\r\n")
					return "", io.EOF
				}
			case 127, 8: // backspace
				if cursor > 0 {
					line = append(line[:cursor-1], line[cursor:]...)
					cursor--
					redraw()
				}
			case 1: // Ctrl+A
				cursor = 0
				redraw()
			case 5: // Ctrl+E
				cursor = len(line)
				redraw()
			case 23: // Ctrl+W
				deleteWordBack()
			default:
				if b >= 32 {
					line = append(line, 0)
					copy(line[cursor+1:], line[cursor:])
					line[cursor] = b
					cursor++
					redraw()
				}
			}
		}
	}
}

// stdinIsTTY is a seam for tests.
var stdinIsTTY = func() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}

func trimTrailingNewline(s string) string {
	s = strings.TrimSuffix(s, "\n")
	return strings.TrimSuffix(s, "\r")
}
