package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/timmy/pagepulse/internal/logger"
	"golang.org/x/sync/errgroup"
)

// EnvWorkerID tells a worker process which pool slot it fills.
const EnvWorkerID = "PAGEPULSE_WORKER_ID"

// terminateGrace is how long a worker process gets to exit after its stdin closes.
const terminateGrace = 10 * time.Second

type processHandle struct {
	id      int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *Encoder
	readers errgroup.Group
	stop    terminateOnce
	logger  *logger.Logger
}

// ProcessFactory runs each worker as a child process speaking JSON lines on
// its stdin and stdout. command is the program and its arguments.
func ProcessFactory(command []string, log *logger.Logger) Factory {
	if log == nil {
		log = logger.GetDefault()
	}
	return func(id int, onMessage func(Message)) (Handle, error) {
		if len(command) == 0 {
			return nil, errors.New("no worker command configured")
		}

		cmd := exec.Command(command[0], command[1:]...)
		cmd.Env = append(os.Environ(), EnvWorkerID+"="+strconv.Itoa(id))
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker %d: stdin pipe: %w", id, err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker %d: stdout pipe: %w", id, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("worker %d: start %s: %w", id, command[0], err)
		}

		h := &processHandle{
			id:     id,
			cmd:    cmd,
			stdin:  stdin,
			enc:    NewEncoder(stdin),
			logger: log.ForWorker(id),
		}
		h.readers.Go(func() error {
			dec := NewDecoder(stdout)
			for {
				msg, err := dec.Decode()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					if IsProtocolError(err) {
						h.logger.WithError(err).Error("Rejecting message from worker process")
						continue
					}
					return err
				}
				onMessage(msg)
			}
		})

		h.logger.WithField("pid", cmd.Process.Pid).Debug("Worker process started")
		return h, nil
	}
}

func (h *processHandle) Send(m Message) error {
	if err := h.enc.Encode(m); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrWorkerGone
		}
		return err
	}
	return nil
}

// Terminate closes the worker's stdin and waits for it to exit, killing it
// after terminateGrace.
func (h *processHandle) Terminate() error {
	return h.stop.do(func() error {
		var result *multierror.Error
		if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}

		readDone := make(chan error, 1)
		go func() { readDone <- h.readers.Wait() }()

		var readErr error
		select {
		case readErr = <-readDone:
		case <-time.After(terminateGrace):
			h.logger.Warn("Worker process did not exit, killing it")
			if err := h.cmd.Process.Kill(); err != nil {
				result = multierror.Append(result, err)
			}
			readErr = <-readDone
		}
		if readErr != nil {
			result = multierror.Append(result, readErr)
		}

		// Wait must follow the last read from stdout.
		if err := h.cmd.Wait(); err != nil {
			result = multierror.Append(result, fmt.Errorf("worker %d: %w", h.id, err))
		}
		return result.ErrorOrNil()
	})
}
