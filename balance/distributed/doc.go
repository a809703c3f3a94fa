// Package distributed implements the two-tier load balancer.
//
// A master hands out coarse chunks of a channel to rendering nodes
// (processes), and each node sub-divides its chunk among its own workers
// with a local balance.WorkQueue. The master works in units of
// ThreadsPerNode items so that every chunk it sends can keep all of a node's
// workers busy.
//
// The first chunk of every node is assigned statically: each node replays
// the master's deterministic work-queue fill and takes the chunk matching its
// node index, while the master discards those chunks. No message is needed
// to start a frame. Afterwards a node whose local queue runs dry sends a
// Request to the master, which answers with one of three replies:
//
//   - ReplyWork: a new absolute range [Start, End) for the node.
//   - ReplyExhausted: there is no more work for this frame. This is an
//     explicit sentinel; a node never infers exhaustion from an empty queue.
//   - ReplyNotReady: the master has not begun the requested frame yet. The
//     node backs off and retries.
//
// The master marks a node done when it sends ReplyExhausted, and
// Master.WaitFrame returns once every node is done.
//
// The master rank may run an ordinary frame loop too. Its Balancer, built
// with Config.Master, renders nothing; its SetupFrame waits for the previous
// frame to finish on every node and then begins the next one on the Master.
package distributed
