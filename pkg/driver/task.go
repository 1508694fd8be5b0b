package driver

// task is a blocking audio stream job run on a worker goroutine.
type task int

const (
	taskInit task = iota
	taskShutdown
	taskStop
)

func (t task) String() string {
	switch t {
	case taskInit:
		return "init"
	case taskShutdown:
		return "shutdown"
	case taskStop:
		return "stop"
	}
	return "?"
}

func (d *AudioCallbackDriver) dispatch(t task) {
	d.log.Debug().Msgf("dispatch %v", t)
	d.env.Tasks.Go(d.String()+":"+t.String(), func() {
		switch t {
		case taskInit:
			d.init()
			d.CompleteAudioContextOperations(t)
		case taskStop:
			d.stop()
		case taskShutdown:
			if p := d.parked.Load(); p != nil {
				p.Drop()
			}
			d.stop()
			d.CompleteAudioContextOperations(t)
			d.destroy()
		}
	})
}
