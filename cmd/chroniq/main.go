package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/chzyer/readline"

	"github.com/chroniq/chroniq/pkg/config"
	"github.com/chroniq/chroniq/pkg/stats"
	"github.com/chroniq/chroniq/pkg/store"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem("APPEND"),
	readline.PcItem("GET"),
	readline.PcItem("LAST"),
	readline.PcItem("PAD"),
	readline.PcItem("TAIL"),
)

const helpText = `
chroniq - an append-only, indexed, mmap-backed persistent log.

Usage:
  chroniq [options] [base_path]   - Start with an optional store base path

Options:
  -data-block-size int    - Data block size in bytes (default 64MiB)
  -index-block-size int   - Index block size in bytes (default 16MiB)
  -sync                   - Flush data and index on every commit

Commands (interactive mode only):
  .help                   - Show this help message
  .open PATH              - Open the store at base PATH (creates <PATH>.index/.data)
  .close                  - Close the current store
  .exit                   - Exit the program
  .stats                  - Show session statistics

  APPEND text             - Append text as one record
  GET seq                 - Read the record at sequence number seq
  LAST                    - Show the last written index and record count
  PAD                     - Force-roll the current data block with a padding entry
  TAIL [from]             - Print committed records starting at from (default 0)
`

type session struct {
	basePath  string
	conf      *config.Config
	store     *store.Store
	appender  *store.Appender
	excerpt   *store.Excerpt
	collector *stats.AtomicCollector
}

func main() {
	dataBlockSize := flag.Int64("data-block-size", 0, "data block size in bytes")
	indexBlockSize := flag.Int64("index-block-size", 0, "index block size in bytes")
	sync := flag.Bool("sync", false, "flush data and index on every commit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, helpText)
	}
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *dataBlockSize > 0 {
		conf.DataBlockSize = *dataBlockSize
	}
	if *indexBlockSize > 0 {
		conf.IndexBlockSize = *indexBlockSize
	}
	conf.SynchronousMode = *sync
	if conf.MessageCapacity >= conf.DataBlockSize {
		conf.MessageCapacity = conf.DataBlockSize / 4
	}

	s := &session{conf: conf, collector: stats.NewCollector()}
	if path := flag.Arg(0); path != "" {
		if err := s.open(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
			os.Exit(1)
		}
	}
	defer s.closeStore()

	runInteractive(s)
}

func runInteractive(s *session) {
	fmt.Println("chroniq version 1.0.0")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".chroniq_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "chroniq> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		if s.basePath != "" {
			rl.SetPrompt(fmt.Sprintf("chroniq:%s> ", s.basePath))
		} else {
			rl.SetPrompt("chroniq> ")
		}

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToUpper(parts[0])

		if strings.HasPrefix(cmd, ".") {
			if !s.dotCommand(strings.ToLower(cmd), parts) {
				return
			}
			continue
		}

		if s.store == nil {
			fmt.Println("No store open; use .open PATH first")
			continue
		}

		switch cmd {
		case "APPEND":
			if len(parts) < 2 {
				fmt.Println("Error: Missing record text")
				continue
			}
			s.appendRecord(strings.Join(parts[1:], " "))

		case "GET":
			if len(parts) != 2 {
				fmt.Println("Error: GET takes one sequence number")
				continue
			}
			seq, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				fmt.Printf("Error: invalid sequence number %q\n", parts[1])
				continue
			}
			s.getRecord(seq)

		case "LAST":
			fmt.Printf("lastWrittenIndex=%d size=%d\n", s.store.LastWrittenIndex(), s.store.Size())

		case "PAD":
			s.padEntry()

		case "TAIL":
			from := int64(0)
			if len(parts) > 1 {
				if from, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
					fmt.Printf("Error: invalid sequence number %q\n", parts[1])
					continue
				}
			}
			s.tail(from)

		default:
			fmt.Printf("Unknown command: %s\n", parts[0])
		}
	}
}

// dotCommand handles the session commands; it returns false on .exit.
func (s *session) dotCommand(cmd string, parts []string) bool {
	switch cmd {
	case ".help":
		fmt.Print(helpText)

	case ".open":
		if len(parts) < 2 {
			fmt.Println("Error: Missing path argument")
			return true
		}
		s.closeStore()
		if err := s.open(parts[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
			return true
		}
		fmt.Printf("Store opened at %s (lastWrittenIndex=%d)\n", s.basePath, s.store.LastWrittenIndex())

	case ".close":
		if s.store == nil {
			fmt.Println("No store open")
			return true
		}
		s.closeStore()
		fmt.Println("Store closed")

	case ".stats":
		for k, v := range s.collector.GetStats() {
			fmt.Printf("%s: %v\n", k, v)
		}

	case ".exit":
		fmt.Println("Goodbye!")
		return false

	default:
		fmt.Printf("Unknown command: %s\n", cmd)
	}
	return true
}

func (s *session) open(basePath string) error {
	st, err := store.Open(basePath, s.conf)
	if err != nil {
		return err
	}
	s.store = st
	s.basePath = basePath
	return nil
}

func (s *session) closeStore() {
	if s.appender != nil {
		s.appender.Close()
		s.appender = nil
	}
	if s.excerpt != nil {
		s.excerpt.Close()
		s.excerpt = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing store: %s\n", err)
		}
		s.store = nil
		s.basePath = ""
	}
}

func (s *session) appendRecord(text string) {
	a, err := s.getAppender()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}

	start := time.Now()
	if err := a.Append([]byte(text)); err != nil {
		s.collector.TrackError("append")
		fmt.Fprintf(os.Stderr, "Error appending: %s\n", err)
		return
	}
	s.collector.TrackOperationWithLatency(stats.OpAppend, uint64(time.Since(start).Nanoseconds()))
	s.collector.TrackBytes(true, uint64(len(text)))
	fmt.Printf("Appended at seq %d\n", s.store.LastWrittenIndex())
}

func (s *session) getRecord(seq int64) {
	e, err := s.getExcerpt()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}

	ok, err := e.Index(seq)
	if err != nil {
		s.collector.TrackError("random_read")
		fmt.Fprintf(os.Stderr, "Error reading: %s\n", err)
		return
	}
	s.collector.TrackOperation(stats.OpRandomRead)
	if !ok {
		if e.WasPadding() {
			fmt.Printf("seq %d: padding entry\n", seq)
		} else {
			fmt.Printf("seq %d: not written\n", seq)
		}
		return
	}
	body := e.Bytes()
	s.collector.TrackBytes(false, uint64(len(body)))
	fmt.Printf("seq %d (%d bytes): %s\n", seq, len(body), renderBody(body))
}

func (s *session) padEntry() {
	a, err := s.getAppender()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	if err := a.AddPaddedEntry(); err != nil {
		fmt.Fprintf(os.Stderr, "Error padding: %s\n", err)
		return
	}
	s.collector.TrackRollover()
	fmt.Printf("Padded; lastWrittenIndex=%d\n", s.store.LastWrittenIndex())
}

func (s *session) tail(from int64) {
	t, err := s.store.NewTailer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		return
	}
	defer t.Close()

	if from > 0 {
		if _, err := t.Index(from - 1); err != nil {
			fmt.Fprintf(os.Stderr, "Error seeking: %s\n", err)
			return
		}
	}

	count := 0
	for {
		ok, err := t.NextIndex()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error tailing: %s\n", err)
			return
		}
		if !ok {
			break
		}
		body := t.Bytes()
		fmt.Printf("seq %d (%d bytes): %s\n", t.Sequence(), len(body), renderBody(body))
		s.collector.TrackOperation(stats.OpTail)
		s.collector.TrackBytes(false, uint64(len(body)))
		count++
	}
	fmt.Printf("%d records\n", count)
}

func (s *session) getAppender() (*store.Appender, error) {
	if s.appender == nil {
		a, err := s.store.NewAppender()
		if err != nil {
			return nil, err
		}
		s.appender = a
	}
	return s.appender, nil
}

func (s *session) getExcerpt() (*store.Excerpt, error) {
	if s.excerpt == nil {
		e, err := s.store.NewExcerpt()
		if err != nil {
			return nil, err
		}
		s.excerpt = e
	}
	return s.excerpt, nil
}

// renderBody prints printable records as text and everything else as hex.
func renderBody(body []byte) string {
	for _, b := range body {
		if b >= 0x80 || (!unicode.IsPrint(rune(b)) && b != ' ') {
			return fmt.Sprintf("0x%x", body)
		}
	}
	return string(body)
}
