package paxos

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

import (
	"github.com/pkg/errors"
)

// append-only acceptor log. Every change to n_h, (n_a, v_a) or a
// decided instance is appended and synced before the acceptor
// responds, so a restarted node replays to exactly the state it
// promised. The format is line oriented text with values escaped,
// which keeps dump/restore for joins trivial.
type Log struct {
	mutex sync.Mutex
	path  string
	file  *os.File
}

const (
	recordHigh     = "high"
	recordProp     = "prop"
	recordInstance = "instance"
)

// replay callbacks into the acceptor
type logApply interface {
	applyHigh(n Proposal)
	applyProp(n Proposal, v string)
	applyInstance(instance uint64, v string)
}

func NewLog(dir string, me string) (*Log, error) {
	name := "paxos-" + strings.Replace(me, ":", "_", -1) + ".log"
	l := &Log{path: filepath.Join(dir, name)}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log %v", l.path)
	}
	l.file = file
	return l, nil
}

func (l *Log) append(line string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		// a log that cannot be appended to cannot keep promises
		panic(errors.Wrapf(err, "append to %v", l.path))
	}
	if err := l.file.Sync(); err != nil {
		panic(errors.Wrapf(err, "sync %v", l.path))
	}
}

func (l *Log) LogHigh(n Proposal) {
	l.append(fmt.Sprintf("%v %v %v", recordHigh, n.N, url.QueryEscape(n.M)))
}

func (l *Log) LogProp(n Proposal, v string) {
	l.append(fmt.Sprintf("%v %v %v %v", recordProp, n.N, url.QueryEscape(n.M), url.QueryEscape(v)))
}

func (l *Log) LogInstance(instance uint64, v string) {
	l.append(fmt.Sprintf("%v %v %v", recordInstance, instance, url.QueryEscape(v)))
}

// replays the log into the given acceptor state
func (l *Log) Replay(apply logApply) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return errors.Wrapf(err, "seek %v", l.path)
	}
	scanner := bufio.NewScanner(l.file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := l.replayLine(line, apply); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %v", l.path)
	}
	// restore append position
	if _, err := l.file.Seek(0, 2); err != nil {
		return errors.Wrapf(err, "seek %v", l.path)
	}
	return nil
}

func (l *Log) replayLine(line string, apply logApply) error {
	fields := strings.Fields(line)
	corrupt := func() error {
		return errors.Errorf("corrupt log record in %v: %q", l.path, line)
	}
	switch fields[0] {
	case recordHigh:
		if len(fields) != 3 {
			return corrupt()
		}
		n, err := parseProposal(fields[1], fields[2])
		if err != nil {
			return corrupt()
		}
		apply.applyHigh(n)
	case recordProp:
		if len(fields) != 4 {
			return corrupt()
		}
		n, err := parseProposal(fields[1], fields[2])
		if err != nil {
			return corrupt()
		}
		v, err := url.QueryUnescape(fields[3])
		if err != nil {
			return corrupt()
		}
		apply.applyProp(n, v)
	case recordInstance:
		if len(fields) != 3 {
			return corrupt()
		}
		instance, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return corrupt()
		}
		v, err := url.QueryUnescape(fields[2])
		if err != nil {
			return corrupt()
		}
		apply.applyInstance(instance, v)
	default:
		return corrupt()
	}
	return nil
}

func parseProposal(nStr string, mEsc string) (Proposal, error) {
	n, err := strconv.ParseUint(nStr, 10, 64)
	if err != nil {
		return Proposal{}, err
	}
	m, err := url.QueryUnescape(mEsc)
	if err != nil {
		return Proposal{}, err
	}
	return Proposal{N: n, M: m}, nil
}

// the raw log contents, handed to joining nodes
func (l *Log) Dump() (string, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	contents, err := os.ReadFile(l.path)
	if err != nil {
		return "", errors.Wrapf(err, "read %v", l.path)
	}
	return string(contents), nil
}

// overwrites the log with a dump from another node
func (l *Log) Restore(s string) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if err := l.file.Truncate(0); err != nil {
		return errors.Wrapf(err, "truncate %v", l.path)
	}
	if _, err := l.file.Seek(0, 0); err != nil {
		return errors.Wrapf(err, "seek %v", l.path)
	}
	if _, err := l.file.WriteString(s); err != nil {
		return errors.Wrapf(err, "restore %v", l.path)
	}
	return l.file.Sync()
}

func (l *Log) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.file.Close()
}
