// Package logger buffers the detailed log of one dashboard request in
// memory while the pipeline runs.
//
// A request that succeeds collapses to a single short line; nobody
// wants forty lines about a ZIP that extracted fine. A request that
// fails replays its whole buffer first, so the error arrives with its
// full story attached.
//
// Thread safety comes from one dedicated goroutine draining a command
// channel. There are no mutexes to hold wrong.
package logger

import (
	"bytes"
	"log"
	"strings"
	"time"
)

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act       action
	requestID string
	message   string    // for Append
	summary   string    // for Success
	err       error     // for FlushError
	when      time.Time // kept for ordering if buffers ever get merged
}

// Command channel with headroom for bursts of parallel uploads.
var ch = make(chan cmd, 128)

// Begin starts buffering for requestID.
func Begin(requestID string) { ch <- cmd{act: actBegin, requestID: requestID, when: time.Now()} }

// Append adds one line to the detailed log of requestID.
func Append(requestID, msg string) {
	ch <- cmd{act: actAppend, requestID: requestID, message: msg, when: time.Now()}
}

// Success drops the buffer and prints one short confirmation line.
func Success(requestID, summary string) {
	ch <- cmd{act: actSuccess, requestID: requestID, summary: summary, when: time.Now()}
}

// FlushError replays the buffered lines and then prints the error.
func FlushError(requestID string, err error) {
	ch <- cmd{act: actFlushErr, requestID: requestID, err: err, when: time.Now()}
}

func init() { go runloop() }

func runloop() {
	buffers := make(map[string]*bytes.Buffer)

	for c := range ch {
		switch c.act {
		case actBegin:
			buffers[c.requestID] = &bytes.Buffer{}

		case actAppend:
			if b := buffers[c.requestID]; b != nil {
				_, _ = b.WriteString(c.message + "\n")
			} else {
				// No buffer means nobody called Begin, log directly.
				log.Print(c.message)
			}

		case actSuccess:
			log.Printf("[%-6s][OK] %s", c.requestID, c.summary)
			delete(buffers, c.requestID)

		case actFlushErr:
			if b := buffers[c.requestID]; b != nil {
				if detail := strings.TrimRight(b.String(), "\n"); detail != "" {
					for _, ln := range strings.Split(detail, "\n") {
						log.Print(ln)
					}
				}
				delete(buffers, c.requestID)
			}
			log.Printf("[%-6s][ERROR] %v", c.requestID, c.err)
		}
	}
}
