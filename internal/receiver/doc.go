// Package receiver implements a UDP endpoint that receives text datagrams on a
// background goroutine, hands each one to the host as a MessageEvent, answers
// the sender with an acknowledgement, and lets the host send messages at any time.
//
// The Endpoint owns the lifecycle (Idle, Starting, Running, Stopping, Failed).
// Events cross from the receive goroutine to the host through the Dispatcher's
// bounded queue; the host drains it with Dispatcher.Run or Dispatcher.Drain and
// subscribers are invoked there, in registration order.
//
//	ep := receiver.New(receiver.DefaultEndpointConfig(), receiver.Options{Logger: logger})
//	ep.Subscribe(func(ev receiver.MessageEvent) {
//		fmt.Println(ev.SenderIP, ev.Message)
//	})
//	if _, err := ep.Start(ctx); err != nil {
//		return err
//	}
//	defer ep.Stop()
//	go ep.Dispatcher().Run(ctx)
package receiver
