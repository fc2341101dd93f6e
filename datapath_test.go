package spslink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/spslink/internal/atcmd"
	"github.com/srg/spslink/internal/edm"
)

// DataPathTestSuite exercises payload delivery: the raw synchronous mode and
// the buffered mode with edge-triggered data-available notifications.
type DataPathTestSuite struct {
	suite.Suite

	manager *Manager
	at      *fakeATClient
	stream  *fakeStream
	handle  int
	notifs  chan int
}

func (suite *DataPathTestSuite) SetupTest() {
	suite.manager = New(&Options{RxBufferSize: 32})
	suite.at = newFakeATClient()
	suite.stream = newFakeStream()
	suite.notifs = make(chan int, 16)

	var err error
	suite.handle, err = suite.manager.AddInstance(suite.at, suite.stream, ModeEDM)
	suite.Require().NoError(err)
}

func (suite *DataPathTestSuite) TearDownTest() {
	_ = suite.manager.Close()
}

// openChannel drives a full correlation so the given channel exists.
func (suite *DataPathTestSuite) openChannel(channel int) {
	suite.Require().NoError(suite.manager.SetConnectionStatusCallback(suite.handle, func(ConnectionEvent) {}))
	suite.True(suite.stream.emitConnection(edm.ConnectionEvent{
		Type:        edm.EventConnected,
		Channel:     channel,
		PeerAddress: "AA:BB:CC:DD:EE:FF",
		MTU:         128,
	}))
	suite.True(suite.at.fireURC(atcmd.URCACLConnected, "5"))
}

// subscribeAvailable registers a data-available callback feeding notifs.
func (suite *DataPathTestSuite) subscribeAvailable() {
	suite.Require().NoError(suite.manager.SetDataAvailableCallback(suite.handle, func(channel int) {
		suite.notifs <- channel
	}))
}

// waitNotif expects one notification within a second.
func (suite *DataPathTestSuite) waitNotif() int {
	select {
	case ch := <-suite.notifs:
		return ch
	case <-time.After(time.Second):
		suite.FailNow("expected a data-available notification")
		return 0
	}
}

// expectNoNotif asserts no notification arrives for a short window.
func (suite *DataPathTestSuite) expectNoNotif() {
	select {
	case ch := <-suite.notifs:
		suite.FailNowf("unexpected notification", "channel %d", ch)
	case <-time.After(100 * time.Millisecond):
	}
}

func (suite *DataPathTestSuite) TestRawModeDeliversSynchronously() {
	// GOAL: Verify the raw callback path bypasses the receive buffer
	//
	// TEST SCENARIO: Subscribe raw callback -> stream delivers a frame ->
	// callback sees channel and bytes, nothing is buffered

	type rx struct {
		channel int
		data    []byte
	}
	got := make(chan rx, 1)
	suite.Require().NoError(suite.manager.SetDataCallback(suite.handle, func(channel int, data []byte) {
		got <- rx{channel, data}
	}))

	suite.True(suite.stream.emitData(7, []byte("raw")))

	select {
	case r := <-got:
		suite.Equal(7, r.channel)
		suite.Equal([]byte("raw"), r.data)
	case <-time.After(time.Second):
		suite.Fail("raw callback was not invoked")
	}
}

func (suite *DataPathTestSuite) TestEdgeTriggeredNotification() {
	// GOAL: Verify the empty-to-non-empty edge produces exactly one notification
	//
	// TEST SCENARIO: Deliver 10 bytes -> one notification; deliver 5 more before draining ->
	// no extra notification; drain to empty; deliver again -> exactly one more (two total)

	suite.openChannel(3)
	suite.subscribeAvailable()

	suite.True(suite.stream.emitData(3, []byte("0123456789")))
	suite.Equal(3, suite.waitNotif())

	suite.True(suite.stream.emitData(3, []byte("abcde")))
	suite.expectNoNotif()

	buf := make([]byte, 32)
	n, err := suite.manager.Receive(suite.handle, 3, buf)
	suite.NoError(err)
	suite.Equal(15, n)
	suite.Equal([]byte("0123456789abcde"), buf[:n])

	suite.True(suite.stream.emitData(3, []byte("more")))
	suite.Equal(3, suite.waitNotif())
	suite.expectNoNotif()

	suite.manager.mu.Lock()
	m := suite.manager.notifyQ.GetMetrics()
	suite.manager.mu.Unlock()
	suite.Equal(int64(2), m.Enqueued, "exactly two notifications MUST have been queued")
}

func (suite *DataPathTestSuite) TestOverflowDropsWholeFrame() {
	// GOAL: Verify a frame that does not fit is discarded entirely
	//
	// TEST SCENARIO: RxBufferSize=32 -> deliver 30 bytes, then 10 more -> second frame dropped,
	// buffer content is exactly the first frame

	suite.openChannel(3)
	suite.subscribeAvailable()

	first := make([]byte, 30)
	for i := range first {
		first[i] = byte('A' + i%26)
	}
	suite.True(suite.stream.emitData(3, first))
	suite.waitNotif()

	suite.True(suite.stream.emitData(3, []byte("0123456789")))

	buf := make([]byte, 64)
	n, err := suite.manager.Receive(suite.handle, 3, buf)
	suite.NoError(err)
	suite.Equal(30, n, "only the first frame MUST be buffered")
	suite.Equal(first, buf[:n])
}

func (suite *DataPathTestSuite) TestOversizedFrameOnEmptyBufferNoNotification() {
	// GOAL: Verify a rejected frame on an empty buffer does not signal data available
	//
	// TEST SCENARIO: Deliver a frame larger than the whole buffer -> dropped -> no notification

	suite.openChannel(3)
	suite.subscribeAvailable()

	huge := make([]byte, 64) // RxBufferSize is 32
	suite.True(suite.stream.emitData(3, huge))
	suite.expectNoNotif()
}

func (suite *DataPathTestSuite) TestPayloadForUnknownChannelDropped() {
	// GOAL: Verify frames for unregistered channels are dropped quietly
	//
	// TEST SCENARIO: Buffered mode without an open channel -> frame delivered -> no
	// notification and no crash

	suite.subscribeAvailable()
	suite.True(suite.stream.emitData(9, []byte("stray")))
	suite.expectNoNotif()
}

func (suite *DataPathTestSuite) TestQueueLifecycleFollowsSubscription() {
	// GOAL: Verify the notification queue exists exactly while a subscriber does
	//
	// TEST SCENARIO: Subscribe -> queue created; unsubscribe -> queue destroyed;
	// the stream data callback is unregistered as well

	suite.subscribeAvailable()
	suite.manager.mu.Lock()
	suite.NotNil(suite.manager.notifyQ)
	suite.manager.mu.Unlock()
	suite.True(suite.stream.hasDataCallback())

	suite.Require().NoError(suite.manager.SetDataAvailableCallback(suite.handle, nil))
	suite.manager.mu.Lock()
	suite.Nil(suite.manager.notifyQ)
	suite.manager.mu.Unlock()
	suite.False(suite.stream.hasDataCallback())
}

func (suite *DataPathTestSuite) TestDeliveryModesMutuallyExclusive() {
	// GOAL: Verify raw and buffered delivery cannot be active together
	//
	// TEST SCENARIO: Raw active -> buffered subscribe rejected; and the other way around

	suite.Require().NoError(suite.manager.SetDataCallback(suite.handle, func(int, []byte) {}))
	err := suite.manager.SetDataAvailableCallback(suite.handle, func(int) {})
	suite.ErrorIs(err, ErrInvalidParameter)

	suite.Require().NoError(suite.manager.SetDataCallback(suite.handle, nil))
	suite.subscribeAvailable()
	err = suite.manager.SetDataCallback(suite.handle, func(int, []byte) {})
	suite.ErrorIs(err, ErrInvalidParameter)
}

func TestDataPathTestSuite(t *testing.T) {
	suite.Run(t, new(DataPathTestSuite))
}
