package sink

import (
	"encoding/json"
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lox/helpers"
	"github.com/temoto/lox/log2"
	"github.com/temoto/lox/lox"
	"github.com/temoto/spq"
)

// Spool keeps events in disk queue until next sink accepts them.
// Delivery order is preserved, failed head event is retried with backoff.
type Spool struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	log     *log2.Log
	next    lox.Sink
	q       *spq.Queue
}

var _ lox.Sink = &Spool{}

type spoolItem lox.Event

func (si *spoolItem) MarshalBinary() ([]byte, error)  { return json.Marshal((*lox.Event)(si)) }
func (si *spoolItem) UnmarshalBinary(b []byte) error { return json.Unmarshal(b, (*lox.Event)(si)) }

// NewSpool opens queue at path, spq.OnlyForTesting keeps it in memory.
func NewSpool(log *log2.Log, path string, next lox.Sink, retryMin, retryMax time.Duration) (*Spool, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "spool open path=%s", path)
	}
	s := &Spool{
		alive:   alive.NewAlive(),
		backoff: helpers.Backoff{Min: retryMin, Max: retryMax, K: 2},
		log:     log,
		next:    next,
		q:       q,
	}
	s.alive.Add(1)
	go s.worker()
	return s, nil
}

func (s *Spool) Emit(e lox.Event) error {
	if e.Kind == lox.KindKeepAlive {
		return nil
	}
	return errors.Annotate(s.q.MarshalPush((*spoolItem)(&e)), "spool push")
}

func (s *Spool) Close() error {
	s.alive.Stop()
	err := s.q.Close()
	s.alive.Wait()
	if c, ok := s.next.(io.Closer); ok {
		err = helpers.FoldErrors([]error{err, c.Close()})
	}
	return err
}

func (s *Spool) worker() {
	defer s.alive.Done()
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() {
		box, err := s.q.Peek()
		if err == spq.ErrClosed {
			return
		} else if err != nil {
			s.log.Errorf("spool peek err=%v", err)
			if spq.IsCorrupted(err) {
				return
			}
			continue
		}

		var item spoolItem
		if err = box.Unmarshal(&item); err != nil {
			s.log.Errorf("spool drop corrupt item err=%v", err)
			if err = s.q.Delete(box); err != nil {
				s.log.Errorf("spool delete err=%v", err)
			}
			continue
		}
		if err = s.next.Emit(lox.Event(item)); err != nil {
			s.backoff.Failure()
			delay := s.backoff.DelayBefore()
			s.log.Errorf("spool forward err=%v retry in %s", err, delay)
			select {
			case <-time.After(delay):
			case <-stopch:
				return
			}
			continue
		}
		s.backoff.Reset()
		if err = s.q.Delete(box); err != nil && err != spq.ErrClosed {
			s.log.Errorf("spool delete err=%v", err)
		}
	}
}
