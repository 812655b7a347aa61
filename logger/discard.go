package logger

// Discard is a logger that drops everything. Used by tests and as a safe
// default before the real logger is configured.
type Discard struct{}

// NewDiscard returns a logger that drops every message
func NewDiscard() Discard { return Discard{} }

func (d Discard) WithField(string, any) Logger     { return d }
func (d Discard) WithFields(map[string]any) Logger { return d }
func (d Discard) WithError(error) Logger           { return d }

func (Discard) Debug(...any) {}
func (Discard) Info(...any)  {}
func (Discard) Warn(...any)  {}
func (Discard) Error(...any) {}
func (Discard) Fatal(...any) {}

func (Discard) Debugf(string, ...any) {}
func (Discard) Infof(string, ...any)  {}
func (Discard) Warnf(string, ...any)  {}
func (Discard) Errorf(string, ...any) {}
func (Discard) Fatalf(string, ...any) {}

func (Discard) SetLevel(Level)  {}
func (Discard) GetLevel() Level { return Disabled }
