package transport

import "fmt"

// Open returns a transport of the given kind on path. For KindUSBISS the
// bridge is opened as a serial port and switched into SPI mode.
func Open(kind Kind, path string, port PortOptions, iss ISSOptions) (Transport, error) {
	return openWith(openSystemPort, kind, path, port, iss)
}

func openWith(open PortOpener, kind Kind, path string, port PortOptions, iss ISSOptions) (Transport, error) {
	if path == "" {
		return nil, fmt.Errorf("no port path given for %s transport", kind)
	}
	switch kind {
	case KindSerial:
		return openSerialWith(open, path, port)
	case KindUSBISS:
		st, err := openSerialWith(open, path, port)
		if err != nil {
			return nil, err
		}
		bridge, err := NewUSBISS(st, iss)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		return bridge, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
