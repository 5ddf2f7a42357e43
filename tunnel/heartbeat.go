package tunnel

import (
	"time"

	"github.com/nerrad567/gray-logic-knx/knx"
	"github.com/nerrad567/gray-logic-knx/knxnet"
)

// Heartbeat parameters per the KNXnet/IP specification.
const (
	// heartbeatInterval is how long the channel may stay quiet
	// before a connection-state probe goes out.
	heartbeatInterval = 60 * time.Second

	// heartbeatTimeout is the wait for one CONNECTIONSTATE_RESPONSE.
	heartbeatTimeout = 10 * time.Second

	// heartbeatAttempts is the number of probes before the session
	// is declared dead.
	heartbeatAttempts = 4
)

// heartbeatLoop keeps the channel alive. When no inbound traffic was
// seen for heartbeatInterval it probes the server; four unanswered
// probes close the session with HeartbeatLost.
func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.clk.After(heartbeatInterval):
		}

		c.mu.Lock()
		idle := c.clk.Now().Sub(c.lastRecv) >= heartbeatInterval
		c.mu.Unlock()
		if !idle {
			continue
		}

		if !c.probe() {
			c.logWarn("heartbeat lost, closing session")
			c.close(knx.CloseByError, "heartbeat lost")
			return
		}
	}
}

// probe sends up to heartbeatAttempts connection-state requests at
// heartbeatTimeout intervals. Any NO_ERROR response resets the
// failure count by succeeding immediately.
func (c *Client) probe() bool {
	req := func() error {
		c.mu.Lock()
		channel := c.channel
		c.mu.Unlock()
		return c.conn.Send(knxnet.ConnectionStateRequest{Channel: channel, Control: c.conn.ControlHPAI()})
	}

	for attempt := 0; attempt < heartbeatAttempts; attempt++ {
		if err := req(); err != nil {
			c.logDebug("heartbeat send failed", "error", err)
			return false
		}

		select {
		case res := <-c.stateCh:
			if res.Status == knxnet.StatusNoError {
				return true
			}
			c.logDebug("heartbeat rejected", "status", res.Status.String())
		case <-c.clk.After(heartbeatTimeout):
			c.logDebug("heartbeat unanswered", "attempt", attempt+1)
		case <-c.done:
			return true // session is closing for another reason
		}
	}
	return false
}
