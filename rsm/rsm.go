/*
Replicated state machine with a primary and several backups.

The primary receives requests, assigns each a view stamp (a vid and a
sequence number) in the order of reception, and forwards them to all
backups. A backup executes requests in view stamp order; the primary
executes after every backup has acknowledged and replies to the
client.

Views come from the config layer. If the primary of the previous view
is a member of the new one it stays primary, otherwise the smallest
addressed member of the previous view that survived becomes primary,
so the new primary always holds authoritative state. After a view
change the nodes sync: backups download the primary's state and the
primary waits until every backup is done before taking requests
again.

Registered handlers must run to completion without further network
round trips; a blocking or nondeterministic handler breaks
replication.

Layering: rsm above config above paxos. A module releases its own
locks before upcalling into the layer above, but may keep them while
calling down.
 */
package rsm

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/cactus/go-statsd-client/statsd"
	logging "github.com/op/go-logging"
)

import (
	"github.com/Bipinoli/distributed-file-system/config"
	"github.com/Bipinoli/distributed-file-system/rpc"
)

var logger *logging.Logger

func init() {
	logger = logging.MustGetLogger("rsm")
}

var (
	// per backup replication deadline
	InvokeTimeout = time.Second
	// joins restore a full config log and may ride through a paxos round
	JoinTimeout = 120 * time.Second
	// transfer RPCs during sync
	TransferTimeout = time.Second
	// pause between join attempts against an unreachable primary
	JoinRetryWait = 30 * time.Second
)

// the application plugs its state in through this pair; both are
// called without any rsm lock held
type StateTransfer interface {
	MarshalState() []byte
	UnmarshalState(state []byte)
}

// a replicated procedure. Runs identically on every replica
type Handler func(req []byte) (rpc.Status, []byte)

type RSM struct {
	mutex sync.Mutex
	// serializes replicated invocations on the primary
	invokeMutex sync.Mutex

	recoveryCond *sync.Cond
	syncCond     *sync.Cond
	joinCond     *sync.Cond

	cfg     *config.Config
	handles *rpc.HandleCache
	stf     StateTransfer
	procs   map[uint32]Handler

	primary      string
	myvs         Viewstamp
	lastMyvs     Viewstamp
	inviewchange bool
	insync       bool
	nbackup      int

	stats   statsd.Statter
	stopped bool

	break1 bool
	break2 bool
}

// New wires an rsm above a fresh config layer. first is the master
// address used for bootstrapping: the node whose address equals
// first seeds the initial view, every other node joins through it.
// Call Register/SetStateTransfer before Start.
func New(first string, me string, logdir string) (*RSM, error) {
	cfg, err := config.New(first, me, logdir)
	if err != nil {
		return nil, err
	}

	r := &RSM{
		cfg:     cfg,
		handles: rpc.NewHandleCache(),
		procs:   make(map[uint32]Handler),
		primary: first,
		myvs:    Viewstamp{Vid: 0, Seqno: 1},
	}
	r.recoveryCond = sync.NewCond(&r.mutex)
	r.syncCond = sync.NewCond(&r.mutex)
	r.joinCond = sync.NewCond(&r.mutex)
	r.stats, _ = statsd.NewNoopClient()
	cfg.SetViewChange(r)

	server := cfg.Server()
	server.Register(ProcClientInvoke, r.handleClientInvoke)
	server.Register(ProcClientMembers, r.handleClientMembers)
	server.Register(ProcInvoke, r.handleInvoke)
	server.Register(ProcTransfer, r.handleTransfer)
	server.Register(ProcTransferDone, r.handleTransferDone)
	server.Register(ProcJoin, r.handleJoin)
	return r, nil
}

func (r *RSM) Register(proc uint32, h Handler) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.procs[proc] = h
}

func (r *RSM) SetStateTransfer(stf StateTransfer) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stf = stf
}

func (r *RSM) SetStats(stats statsd.Statter) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stats = stats
}

// the node's config layer; the application registers non replicated
// procedures (callback subscriptions) on its server
func (r *RSM) Config() *config.Config { return r.cfg }

func (r *RSM) Start() error {
	if err := r.cfg.Start(); err != nil {
		return err
	}
	go r.recovery()
	return nil
}

func (r *RSM) Stop() {
	r.mutex.Lock()
	r.stopped = true
	r.recoveryCond.Broadcast()
	r.syncCond.Broadcast()
	r.joinCond.Broadcast()
	r.mutex.Unlock()
	r.cfg.Stop()
}

func (r *RSM) AmIPrimary() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.amiprimary()
}

// assumes r.mutex is held
func (r *RSM) amiprimary() bool {
	return r.primary == r.cfg.MyAddr() && !r.inviewchange
}

func (r *RSM) Primary() string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.primary
}

// Breakpoint arms one of the replication breakpoints: 1 kills the
// process after the first backup acknowledged an invoke, 2 after
// every backup did
func (r *RSM) Breakpoint(b int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if b == 1 {
		r.break1 = true
	} else if b == 2 {
		r.break2 = true
	}
}

/************** view changes **************/

// CommitChange is the upcall from config when a view has been
// decided. The rsm enters the view change state and the recovery
// thread takes it from there.
func (r *RSM) CommitChange() {
	r.mutex.Lock()
	r.inviewchange = true
	r.setPrimary()
	r.stats.Inc("rsm.viewchange", 1, 1.0)
	r.mutex.Unlock()
	// wake anything waiting for membership or sync progress
	r.joinCond.Broadcast()
	r.recoveryCond.Broadcast()
	r.syncCond.Broadcast()
}

// if the old primary is a member of the new view it stays primary,
// otherwise the smallest addressed node of the previous view that is
// in the current view takes over. Either way the new primary held
// authoritative state in the prior view.
// assumes r.mutex is held
func (r *RSM) setPrimary() {
	cur := r.cfg.GetCurview()
	prev := r.cfg.GetPrevview()
	if len(cur) == 0 {
		// views never shrink to nothing while this node is alive
		panic("setPrimary: empty view")
	}

	if isamember(r.primary, cur) {
		logger.Infof("primary stays %v", r.primary)
		return
	}

	if len(prev) == 0 {
		panic("setPrimary: no previous view to elect from")
	}
	sorted := copyMembers(prev)
	sort.Slice(sorted, func(i, j int) bool { return addrLess(sorted[i], sorted[j]) })
	for _, m := range sorted {
		if isamember(m, cur) {
			r.primary = m
			logger.Infof("primary is now %v", r.primary)
			return
		}
	}
	panic("setPrimary: no member of the previous view survived")
}

// The recovery thread. Joins the deployment when this node is not a
// member, syncs state after view changes, and otherwise sleeps until
// a view change wakes it.
func (r *RSM) recovery() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for !r.stopped {
		for !r.cfg.IsMember(r.cfg.MyAddr()) && !r.stopped {
			if r.join(r.primary) {
				logger.Infof("recovery: joined")
			} else {
				r.mutex.Unlock()
				time.Sleep(JoinRetryWait)
				r.mutex.Lock()
			}
		}
		if r.stopped {
			return
		}

		if r.inviewchange {
			var ok bool
			if r.primary == r.cfg.MyAddr() {
				ok = r.syncWithBackups()
			} else {
				ok = r.syncWithPrimary()
			}
			if ok {
				r.inviewchange = false
				logger.Infof("recovery: view change complete, vid=%v primary=%v", r.cfg.Vid(), r.primary)
			}
			continue
		}

		logger.Debugf("recovery: going to sleep insync=%v inviewchange=%v", r.insync, r.inviewchange)
		r.recoveryCond.Wait()
	}
}

// assumes r.mutex is held
func (r *RSM) syncWithBackups() bool {
	r.insync = true
	defer func() { r.insync = false }()

	startVid := r.cfg.Vid()
	r.nbackup = len(r.cfg.GetCurview()) - 1
	if r.nbackup > 0 {
		r.lastMyvs = r.myvs
		r.myvs.Vid++
		r.myvs.Seqno = 1
		for r.nbackup > 0 {
			// a concurrent view change aborts the sync; the
			// recovery loop restarts it against the new view
			if r.cfg.Vid() != startVid {
				return false
			}
			r.syncCond.Wait()
		}
	}
	r.stats.Inc("rsm.sync.primary", 1, 1.0)
	return true
}

// assumes r.mutex is held
func (r *RSM) syncWithPrimary() bool {
	r.insync = true
	r.lastMyvs = r.myvs
	if !r.stateTransfer(r.primary) {
		logger.Infof("sync: state transfer failed, waiting")
		r.joinCond.Wait()
		r.insync = false
		return false
	}
	if !r.stateTransferDone(r.primary) {
		logger.Infof("sync: transfer done refused, waiting")
		r.joinCond.Wait()
		r.insync = false
		return false
	}
	r.myvs = r.lastMyvs
	r.myvs.Vid++
	r.myvs.Seqno = 1
	r.insync = false
	r.stats.Inc("rsm.sync.backup", 1, 1.0)
	return true
}

// transfers state from m to the local node. The primary answers
// BUSY until it has entered its own sync; serving the transfer
// earlier would compare against a stale view stamp and can skip the
// download entirely.
// assumes r.mutex is held; releases it around the calls
func (r *RSM) stateTransfer(m string) bool {
	args := marshalMessage(&transferArgs{Last: r.lastMyvs})
	me := r.cfg.MyAddr()

	var status rpc.Status
	var replyBytes []byte
	var err error
	for attempt := 0; attempt < 40; attempt++ {
		r.mutex.Unlock()
		h := r.handles.GetHandle(m)
		status, replyBytes, err = h.Call(ProcTransfer, me, args, TransferTimeout)
		if err == nil && status == rpc.BUSY {
			time.Sleep(250 * time.Millisecond)
			r.mutex.Lock()
			continue
		}
		r.mutex.Lock()
		break
	}

	if err != nil || status != rpc.OK {
		logger.Warningf("stateTransfer: couldn't reach %v: %v %v", m, status, err)
		return false
	}
	reply := &transferReply{}
	if err := unmarshalMessage(replyBytes, reply); err != nil {
		logger.Warningf("stateTransfer: bad reply from %v: %v", m, err)
		return false
	}
	if r.stf != nil && !r.lastMyvs.Equals(reply.Last) {
		stf := r.stf
		r.mutex.Unlock()
		stf.UnmarshalState(reply.State)
		r.mutex.Lock()
	}
	r.lastMyvs = reply.Last
	logger.Infof("stateTransfer from %v done, vs=(%v,%v)", m, r.lastMyvs.Vid, r.lastMyvs.Seqno)
	return true
}

// assumes r.mutex is held; releases it around the calls. BUSY means
// the primary has not entered its own sync yet; ride through it
// instead of waiting on a wakeup that only another view change would
// deliver.
func (r *RSM) stateTransferDone(m string) bool {
	me := r.cfg.MyAddr()
	for attempt := 0; attempt < 40; attempt++ {
		r.mutex.Unlock()
		h := r.handles.GetHandle(m)
		status, _, err := h.Call(ProcTransferDone, me, nil, TransferTimeout)
		if err == nil && status == rpc.BUSY {
			time.Sleep(250 * time.Millisecond)
			r.mutex.Lock()
			continue
		}
		r.mutex.Lock()
		return err == nil && status == rpc.OK
	}
	return false
}

// joins the deployment through m.
// assumes r.mutex is held; releases it around the call
func (r *RSM) join(m string) bool {
	args := marshalMessage(&joinArgs{Last: r.lastMyvs})
	me := r.cfg.MyAddr()
	logger.Infof("join: asking %v, my last vs=(%v,%v)", m, r.lastMyvs.Vid, r.lastMyvs.Seqno)

	r.mutex.Unlock()
	// a join can ride through a whole paxos round on the primary, so
	// it gets a dedicated handle rather than blocking the shared one
	h := rpc.NewHandle(m)
	status, replyBytes, err := h.Call(ProcJoin, me, args, JoinTimeout)
	h.Close()
	r.mutex.Lock()

	if err != nil || status != rpc.OK {
		logger.Warningf("join: couldn't join through %v: %v %v", m, status, err)
		return false
	}
	reply := &joinReply{}
	if err := unmarshalMessage(replyBytes, reply); err != nil {
		logger.Warningf("join: bad reply: %v", err)
		return false
	}

	r.mutex.Unlock()
	err = r.cfg.Restore(reply.Log)
	r.mutex.Lock()
	if err != nil {
		logger.Errorf("join: restoring config log failed: %v", err)
		return false
	}
	r.inviewchange = true
	return true
}

/************** replicated invocation **************/

// executes the registered handler for the procedure.
// called without r.mutex held
func (r *RSM) execute(proc uint32, req []byte) (rpc.Status, []byte) {
	r.mutex.Lock()
	h := r.procs[proc]
	r.mutex.Unlock()
	if h == nil {
		// replicas must agree on the procedure table
		panic("execute: unregistered procedure")
	}
	return h(req)
}

// Clients call client_invoke to run a procedure on the replicated
// state machine. The primary stamps the request, replicates it to
// every backup, then executes it locally.
func (r *RSM) handleClientInvoke(src string, argBytes []byte) (rpc.Status, []byte) {
	args := &clientInvokeArgs{}
	if err := unmarshalMessage(argBytes, args); err != nil {
		return rpc.RPCERR, nil
	}

	r.mutex.Lock()
	if r.inviewchange {
		r.mutex.Unlock()
		return rpc.BUSY, nil
	}
	if !r.amiprimary() {
		r.mutex.Unlock()
		return rpc.NOTPRIMARY, nil
	}
	r.mutex.Unlock()

	r.invokeMutex.Lock()
	defer r.invokeMutex.Unlock()

	r.mutex.Lock()
	members := r.cfg.GetCurview()
	me := r.cfg.MyAddr()
	vs := r.myvs
	r.mutex.Unlock()

	backupArgs := marshalMessage(&invokeArgs{Proc: args.Proc, Vs: vs, Req: args.Req})
	first := true
	for _, m := range members {
		if m == me {
			continue
		}
		h := r.handles.GetHandle(m)
		status, _, err := h.Call(ProcInvoke, me, backupArgs, InvokeTimeout)
		if err != nil || status != rpc.OK {
			logger.Warningf("client_invoke: replication to %v failed: %v %v", m, status, err)
			r.mutex.Lock()
			r.inviewchange = true
			r.mutex.Unlock()
			r.recoveryCond.Broadcast()
			r.stats.Inc("rsm.replication_failure", 1, 1.0)
			return rpc.BUSY, nil
		}
		if first {
			first = false
			r.breakpoint1()
		}
	}
	r.breakpoint2()

	r.mutex.Lock()
	r.lastMyvs = r.myvs
	r.myvs.Seqno++
	r.mutex.Unlock()

	appStatus, body := r.execute(args.Proc, args.Req)
	r.stats.Inc("rsm.client_invoke", 1, 1.0)
	return rpc.OK, marshalMessage(&appReply{Status: int32(appStatus), Body: body})
}

// The primary calls invoke on each backup. Backups execute requests
// in order, with no gaps, according to the request's view stamp.
func (r *RSM) handleInvoke(src string, argBytes []byte) (rpc.Status, []byte) {
	args := &invokeArgs{}
	if err := unmarshalMessage(argBytes, args); err != nil {
		return rpc.RPCERR, nil
	}

	r.mutex.Lock()
	if r.inviewchange {
		r.mutex.Unlock()
		return rpc.BUSY, nil
	}
	if r.primary == r.cfg.MyAddr() {
		r.mutex.Unlock()
		return rpc.ERR, nil
	}
	if !args.Vs.Equals(r.myvs) {
		logger.Warningf("invoke: vs mismatch, mine=(%v,%v) got=(%v,%v)",
			r.myvs.Vid, r.myvs.Seqno, args.Vs.Vid, args.Vs.Seqno)
		r.mutex.Unlock()
		return rpc.ERR, nil
	}
	r.lastMyvs = r.myvs
	r.myvs.Seqno++
	r.mutex.Unlock()

	r.execute(args.Proc, args.Req)
	r.stats.Inc("rsm.invoke", 1, 1.0)
	return rpc.OK, nil
}

/************** state transfer **************/

// sends the local state back to a syncing backup
func (r *RSM) handleTransfer(src string, argBytes []byte) (rpc.Status, []byte) {
	args := &transferArgs{}
	if err := unmarshalMessage(argBytes, args); err != nil {
		return rpc.RPCERR, nil
	}

	r.mutex.Lock()
	if !r.insync {
		r.mutex.Unlock()
		return rpc.BUSY, nil
	}
	stf := r.stf
	last := r.lastMyvs
	r.mutex.Unlock()

	reply := &transferReply{Last: last}
	if stf != nil && !args.Last.Equals(last) {
		reply.State = stf.MarshalState()
	}
	logger.Infof("transferreq from %v (%v,%v), mine (%v,%v)",
		src, args.Last.Vid, args.Last.Seqno, last.Vid, last.Seqno)
	return rpc.OK, marshalMessage(reply)
}

func (r *RSM) handleTransferDone(src string, argBytes []byte) (rpc.Status, []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.insync {
		return rpc.BUSY, nil
	}
	r.nbackup--
	if r.nbackup <= 0 {
		r.syncCond.Broadcast()
	}
	return rpc.OK, nil
}

/************** joins **************/

func (r *RSM) handleJoin(src string, argBytes []byte) (rpc.Status, []byte) {
	args := &joinArgs{}
	if err := unmarshalMessage(argBytes, args); err != nil {
		return rpc.RPCERR, nil
	}
	logger.Infof("joinreq: %v last=(%v,%v)", src, args.Last.Vid, args.Last.Seqno)

	r.mutex.Lock()
	if r.cfg.IsMember(src) {
		r.mutex.Unlock()
		return r.joinDump()
	}
	if r.cfg.MyAddr() != r.primary {
		r.mutex.Unlock()
		r.joinCond.Broadcast()
		return rpc.BUSY, nil
	}
	r.mutex.Unlock()

	// drive a paxos round to add the node. Calling down into config
	// with no rsm lock held
	r.cfg.Add(src)

	if r.cfg.IsMember(src) {
		return r.joinDump()
	}
	logger.Warningf("joinreq: failed to add %v", src)
	return rpc.BUSY, nil
}

func (r *RSM) joinDump() (rpc.Status, []byte) {
	dump, err := r.cfg.Dump()
	if err != nil {
		logger.Errorf("joinreq: dump failed: %v", err)
		return rpc.ERR, nil
	}
	return rpc.OK, marshalMessage(&joinReply{Log: dump})
}

// returns the nodes this replica knows about, with its current
// primary appended, so clients can retarget when the primary fails
func (r *RSM) handleClientMembers(src string, argBytes []byte) (rpc.Status, []byte) {
	r.mutex.Lock()
	members := append(r.cfg.GetCurview(), r.primary)
	r.mutex.Unlock()
	return rpc.OK, marshalMessage(&membersReply{Members: members})
}

/************** breakpoints **************/

func (r *RSM) breakpoint1() {
	r.mutex.Lock()
	armed := r.break1
	r.mutex.Unlock()
	if armed {
		logger.Criticalf("dying at rsm breakpoint 1")
		panicExit()
	}
}

func (r *RSM) breakpoint2() {
	r.mutex.Lock()
	armed := r.break2
	r.mutex.Unlock()
	if armed {
		logger.Criticalf("dying at rsm breakpoint 2")
		panicExit()
	}
}

// replaceable so tests can observe an armed breakpoint instead of
// dying
var panicExit = func() {
	os.Exit(1)
}

/************** helpers **************/

func isamember(m string, nodes []string) bool {
	for _, n := range nodes {
		if n == m {
			return true
		}
	}
	return false
}

func copyMembers(members []string) []string {
	c := make([]string, len(members))
	copy(c, members)
	return c
}

// orders node addresses with numeric port comparison, so
// host:1025 < host:9999 regardless of digit count
func addrLess(a string, b string) bool {
	ha, pa := splitAddr(a)
	hb, pb := splitAddr(b)
	if ha != hb {
		return ha < hb
	}
	return pa < pb
}

func splitAddr(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return addr, 0
	}
	return addr[:idx], port
}
