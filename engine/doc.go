// Package engine schedules every transaction on a shared actuator bus.
//
// One worker goroutine owns the transport. It takes transactions from a single ordered
// queue, sends the encoded frame, waits up to the transaction timeout for the matching
// reply, retries failed attempts at the front of the queue and resolves the submitter's
// Handle. Between transactions it runs the staleness sweep.
//
// Polls are produced by a rate-limited ticker, one pending per actuator, and always yield
// to submitted commands except for the fairness quota configured with WithCommandBurst.
//
// Example:
//
//	cfg, err := engine.NewConfig(
//	    engine.WithActuator(0x7F, protocol.ModelType01),
//	    engine.WithPollRate(200),
//	)
//	if err != nil {
//	    return err
//	}
//
//	tr, err := transport.OpenSerial("/dev/ttyUSB0", transport.DefaultBaudRate)
//	if err != nil {
//	    return err
//	}
//
//	eng, err := engine.New(ctx, cfg, tr)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Open(ctx); err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	fb, err := eng.SetTarget(ctx, 0x7F, protocol.SetTarget{
//	    Position: 1.0,
//	    Gains:    protocol.Gains{Kp: 20, Kd: 1},
//	})
package engine
