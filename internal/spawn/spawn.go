// Package spawn launches and terminates client processes on behalf of the
// lifecycle manager. Termination is fire-and-forget; the manager's leases
// are the backstop when a process ignores the request.
package spawn

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
)

var ErrUnknownProcess = errors.New("spawn: unknown process id")

// Spawner abstracts client process creation and termination.
type Spawner interface {
	// Create launches one process for client id. The command is started,
	// not waited on.
	Create(id int, command string, args []string) error
	// Delete terminates the process for id. With kill set the process is
	// killed outright, otherwise it receives SIGTERM.
	Delete(id int, kill bool) error
}

// ExecSpawner runs client processes on the local host via os/exec.
type ExecSpawner struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

var _ Spawner = (*ExecSpawner)(nil)

func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{procs: make(map[int]*exec.Cmd)}
}

func (s *ExecSpawner) Create(id int, command string, args []string) error {
	cmd := exec.Command(command, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[id] = cmd
	s.mu.Unlock()

	// Reap on exit so terminated clients do not linger as zombies.
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.procs[id] == cmd {
			delete(s.procs, id)
		}
		s.mu.Unlock()
		if err != nil {
			log.Debug().Err(err).Int("client_id", id).Msg("spawn: process exited")
		}
	}()
	return nil
}

func (s *ExecSpawner) Delete(id int, kill bool) error {
	s.mu.Lock()
	cmd, ok := s.procs[id]
	if ok && kill {
		// SIGTERM keeps the entry: the process may ignore it and must stay
		// reachable for a later forced kill. The reaper clears it on exit.
		delete(s.procs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProcess
	}
	if cmd.Process == nil {
		return nil
	}
	if kill {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// Count returns the number of tracked live processes.
func (s *ExecSpawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
