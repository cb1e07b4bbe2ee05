package lox

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lox/helpers"
)

const (
	DefaultRetryMin = 3 * time.Second
	DefaultRetryMax = 5 * time.Minute
)

type ClientOptions struct {
	SessionOptions

	RetryMin time.Duration
	RetryMax time.Duration
	// OnAuthenticated is called after every successful handshake.
	OnAuthenticated func(*Session)
}

// Client keeps one session running, reconnecting with exponential backoff.
// Every attempt is a new session with fresh key material.
type Client struct {
	sync.Mutex // protects current
	alive      *alive.Alive
	backoff    *helpers.Backoff
	current    *Session
	opt        ClientOptions
	stat       SessionStat
	sessions   int
}

func NewClient(opt ClientOptions) (*Client, error) {
	if _, _, err := ParseAddress(opt.Address); err != nil {
		return nil, errors.Annotate(err, "config error lox address")
	}
	if opt.RetryMin == 0 {
		opt.RetryMin = DefaultRetryMin
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = DefaultRetryMax
	}
	if opt.RetryMax < opt.RetryMin {
		return nil, errors.NotValidf("config error retry max=%s < min=%s", opt.RetryMax, opt.RetryMin)
	}
	c := &Client{
		alive: alive.NewAlive(),
		backoff: &helpers.Backoff{
			Min: opt.RetryMin,
			Max: opt.RetryMax,
			K:   2,
		},
		opt: opt,
	}
	return c, nil
}

func (c *Client) Close() error {
	c.alive.Stop()
	c.Lock()
	s := c.current
	c.Unlock()
	var err error
	if s != nil {
		err = s.Close()
	}
	c.alive.Wait()
	return err
}

// Stat sums finished sessions and the current one.
func (c *Client) Stat() *SessionStat {
	c.Lock()
	defer c.Unlock()
	total := c.stat.Value()
	if c.current != nil {
		total.Add(c.current.Conn().Stat())
	}
	return &total
}

func (c *Client) Sessions() int {
	c.Lock()
	defer c.Unlock()
	return c.sessions
}

// Run returns on ctx done, Close, authentication refusal or when session frame limit is reached.
// Transport and protocol failures are retried.
func (c *Client) Run(ctx context.Context) error {
	if !c.alive.Add(1) {
		return ErrClosing
	}
	defer c.alive.Done()

	for {
		if err := c.sleep(ctx, c.backoff.DelayBefore()); err != nil {
			return err
		}
		err := c.runSession(ctx)
		switch errors.Cause(err).(type) {
		case nil:
			return nil
		case *AuthenticationError:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.alive.IsRunning() {
			return ErrClosing
		}
		c.backoff.Failure()
		c.opt.Log.Errorf("session err=%v retry in %s", err, c.backoff.DelayBefore())
	}
}

func (c *Client) runSession(ctx context.Context) error {
	s, err := DialSession(ctx, c.opt.SessionOptions)
	if err != nil {
		return err
	}
	c.Lock()
	c.current = s
	c.sessions++
	c.Unlock()
	defer c.statHook(s)
	go helpers.AliveSub(c.alive, s.alive)
	defer s.Close()

	if err = s.Handshake(ctx); err != nil {
		return err
	}
	if c.opt.OnAuthenticated != nil {
		c.opt.OnAuthenticated(s)
	}
	if _, err = s.LoadStructure(ctx); err != nil {
		return err
	}
	if err = s.EnableUpdates(ctx); err != nil {
		return err
	}
	c.backoff.Reset()
	return s.Stream(ctx)
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.alive.StopChan():
		return ErrClosing
	}
}

func (c *Client) statHook(s *Session) {
	c.Lock()
	defer c.Unlock()
	c.stat.AddMoveFrom(s.Conn().Stat())
	if c.current == s {
		c.current = nil
	}
}
