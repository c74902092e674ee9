package rsm

import (
	"fmt"
	"sync"
	"time"
)

import (
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var (
	// client side deadline for a single client_invoke; covers the
	// primary's per backup replication round
	ClientInvokeTimeout = 5 * time.Second
	// pause between retries while the service reports BUSY
	ClientRetryWait = 250 * time.Millisecond
	// attempts before Invoke gives up with RPCERR. Callers with
	// stronger delivery requirements loop above this.
	ClientMaxAttempts = 120
)

// Client tracks the service's primary and routes invocations to it,
// retargeting on NOTPRIMARY and refreshing the member list when the
// primary stops answering.
type Client struct {
	mutex   sync.Mutex
	handles *rpc.HandleCache

	id      int32
	src     string
	primary string
	members []string

	// called outside the client mutex whenever the primary changes;
	// the lock client re-subscribes its callback channel here
	onPrimaryChange func(primary string)
}

func NewClient(dst string) *Client {
	id := rpc.GenerateClientID()
	return &Client{
		handles: rpc.NewHandleCache(),
		id:      id,
		src:     fmt.Sprintf("client-%v", id),
		primary: dst,
		members: []string{dst},
	}
}

// the client's stable identity; lock sequencing is bound to it
func (c *Client) ID() int32 { return c.id }

func (c *Client) SetPrimaryChanged(fn func(primary string)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onPrimaryChange = fn
}

func (c *Client) Primary() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.primary
}

// Invoke runs a replicated procedure, riding through BUSY responses
// and primary failover. Returns the application's status and reply,
// or RPCERR when the service stayed unreachable.
func (c *Client) Invoke(proc uint32, req []byte) (rpc.Status, []byte) {
	args := marshalMessage(&clientInvokeArgs{Proc: proc, Req: req})

	for attempt := 0; attempt < ClientMaxAttempts; attempt++ {
		primary := c.Primary()
		h := c.handles.GetHandle(primary)
		status, replyBytes, err := h.Call(ProcClientInvoke, c.src, args, ClientInvokeTimeout)
		if err != nil {
			logger.Debugf("invoke: primary %v unreachable: %v", primary, err)
			c.handles.Invalidate(primary)
			c.refreshMembers()
			time.Sleep(ClientRetryWait)
			continue
		}
		switch status {
		case rpc.OK:
			reply := &appReply{}
			if err := unmarshalMessage(replyBytes, reply); err != nil {
				logger.Warningf("invoke: bad reply from %v: %v", primary, err)
				return rpc.RPCERR, nil
			}
			return rpc.Status(reply.Status), reply.Body
		case rpc.NOTPRIMARY:
			c.refreshMembers()
		case rpc.BUSY:
			time.Sleep(ClientRetryWait)
		default:
			time.Sleep(ClientRetryWait)
		}
	}
	return rpc.RPCERR, nil
}

// CallPrimary sends a non replicated procedure straight to the
// current primary, for callback subscriptions and other per node
// state that does not go through the state machine.
func (c *Client) CallPrimary(proc uint32, req []byte, timeout time.Duration) (rpc.Status, []byte, error) {
	primary := c.Primary()
	h := c.handles.GetHandle(primary)
	return h.Call(proc, c.src, req, timeout)
}

// asks every node it knows about for the member list, adopting the
// first answer. The reply carries the responder's current view with
// its primary appended last.
func (c *Client) refreshMembers() {
	c.mutex.Lock()
	candidates := make([]string, len(c.members))
	copy(candidates, c.members)
	c.mutex.Unlock()

	for _, m := range candidates {
		h := c.handles.GetHandle(m)
		status, replyBytes, err := h.Call(ProcClientMembers, c.src, nil, time.Second)
		if err != nil || status != rpc.OK {
			continue
		}
		reply := &membersReply{}
		if err := unmarshalMessage(replyBytes, reply); err != nil || len(reply.Members) == 0 {
			continue
		}

		primary := reply.Members[len(reply.Members)-1]
		members := reply.Members[:len(reply.Members)-1]

		c.mutex.Lock()
		changed := primary != c.primary
		c.primary = primary
		if len(members) > 0 {
			c.members = members
		}
		fn := c.onPrimaryChange
		c.mutex.Unlock()

		logger.Debugf("refreshed members=%v primary=%v", members, primary)
		if changed && fn != nil {
			fn(primary)
		}
		return
	}
	logger.Warningf("refreshMembers: no node answered")
}
