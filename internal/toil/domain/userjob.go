package domain

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

//go:generate go run github.com/maxbrunsfeld/counterfeiter/v6 -generate

// FileStore is the narrow file-handle capability user code gets inside
// Run: enough to read an input, write an output, and hand something
// back for a promise, without exposing the rest of the job store
// contract (spec.md §9, "Dynamic-dispatch user jobs").
//
//counterfeiter:generate . FileStore
type FileStore interface {
	ReadLocalFile(fileID string) ([]byte, error)
	WriteLocalFile(data []byte) (fileID string, err error)
	JobStoreID() string

	// Promise vends the job's i-th return value as a forward reference
	// (spec.md §3, "rv(i)"): the worker allocates (or reuses, on a
	// retried attempt) an empty file for index i and returns a handle
	// to it. The caller embeds the returned PromiseReference in a
	// successor's declared arguments; the worker materializes it into
	// that file once Run returns (spec.md §4.2 steps 2-3).
	Promise(index int) (PromiseReference, error)
}

// UserJob is the capability set user code is polymorphic over: one
// method plus three scalar resource fields (spec.md §9).
type UserJob interface {
	Run(fs FileStore) (interface{}, error)
	Memory() int64
	CPU() float64
	Disk() int64
}

// Resources is embedded by both built-in adapters to supply the three
// scalar fields UserJob requires without repeating accessor boilerplate.
type Resources struct {
	Mem  int64
	Cpus float64
	Dsk  int64
}

func (r Resources) Memory() int64 { return r.Mem }
func (r Resources) CPU() float64  { return r.Cpus }
func (r Resources) Disk() int64   { return r.Dsk }

// FunctionJob is the "function wrapping" adapter (spec.md §9): it
// invokes a free function with captured arguments, the way a one-off
// closure would, but in a form that survives the gob round trip
// between graph declaration and worker execution.
type FunctionJob struct {
	Resources
	// Tag is the registry type tag this job's Fn was registered under
	// (spec.md §9): set it when declaring a FunctionJob as a child or
	// follow-on so the worker can re-encode it for storage.
	Tag  string
	Fn   func(fs FileStore, args []interface{}) (interface{}, error)
	Args []interface{}
}

func (f *FunctionJob) Run(fs FileStore) (interface{}, error) {
	if f.Fn == nil {
		return nil, fmt.Errorf("function job has no registered function")
	}
	return f.Fn(fs, f.Args)
}

// SetArgs replaces the captured arguments, used by the worker to
// install gob-decoded (and promise-substituted) args before Run.
func (f *FunctionJob) SetArgs(args []interface{}) { f.Args = args }

func (f *FunctionJob) TypeTag() string { return f.Tag }

// SelfWrappingJob is the "self-wrapping function" adapter (spec.md
// §9): the function receives the wrapping record itself as first
// argument, so user code declared as a method on a job struct can
// reach its own captured fields and the file-store handle in one call.
type SelfWrappingJob struct {
	Resources
	// Tag is the registry type tag this job's Fn was registered under,
	// set when declaring a SelfWrappingJob as a child or follow-on.
	Tag string
	Fn  func(self *SelfWrappingJob, fs FileStore) (interface{}, error)
}

func (s *SelfWrappingJob) Run(fs FileStore) (interface{}, error) {
	if s.Fn == nil {
		return nil, fmt.Errorf("self-wrapping job has no registered function")
	}
	return s.Fn(s, fs)
}

func (s *SelfWrappingJob) TypeTag() string { return s.Tag }

// SetArgs is a no-op: a SelfWrappingJob carries no captured argument
// list of its own (its state lives in the fields the registered Fn
// closes over), but implementing this keeps it on the same decode
// path as FunctionJob rather than attempting a direct struct decode
// into an unpopulated placeholder value.
func (s *SelfWrappingJob) SetArgs([]interface{}) {}

// Taggable is implemented by UserJob values that know their own
// registry type tag, letting the worker re-encode a job declared at
// runtime (as a child or follow-on) without a second, reverse-keyed
// registry (spec.md §4.2 step 4).
type Taggable interface {
	TypeTag() string
}

// EncodeJob encodes a UserJob declared at runtime for storage,
// dispatching on its concrete shape: the function-wrapping adapters
// carry their captured arguments separately from their (unencodable)
// Fn field, so a FunctionJob encodes only Args and a SelfWrappingJob
// encodes an empty argument list; any other Taggable job is encoded
// by its own exported fields directly.
func EncodeJob(job UserJob) (EncodedUserJob, error) {
	tagged, ok := job.(Taggable)
	if !ok {
		return EncodedUserJob{}, fmt.Errorf("user job %T does not declare a registry type tag", job)
	}
	tag := tagged.TypeTag()
	if tag == "" {
		return EncodedUserJob{}, fmt.Errorf("user job %T has an empty registry type tag", job)
	}

	switch j := job.(type) {
	case *FunctionJob:
		return Encode(tag, j.Args, nil)
	case *SelfWrappingJob:
		return Encode(tag, []interface{}{}, nil)
	default:
		return Encode(tag, job, nil)
	}
}

// EncodedUserJob is the versioned tagged encoding from spec.md §9,
// "Serialized user state": the worker-side transport of a user job's
// captured state between graph declaration and worker execution.
type EncodedUserJob struct {
	Version  int
	TypeTag  string
	Args     []byte         // gob-encoded captured scalar/container arguments
	Promises map[int]string // promise index -> fileID, substituted before Run
}

const encodingVersion = 1

// Factory constructs a zero-value UserJob for a registered type tag,
// ready to have its captured arguments gob-decoded into it.
type Factory func() UserJob

// Registry maps type tags to factories. Statically typed
// implementations register concrete job types against the tag the way
// spec.md §9 describes; there is exactly one process-wide registry per
// worker binary, populated at init time by the job definitions it links.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a type tag with a factory. Re-registering the
// same tag is a programming error and panics, matching the teacher's
// registry idiom of failing fast at init time rather than silently
// overwriting (pkg/registry).
func (r *Registry) Register(tag string, factory Factory) {
	if _, exists := r.factories[tag]; exists {
		panic(fmt.Sprintf("domain: type tag %q already registered", tag))
	}
	r.factories[tag] = factory
}

// Encode gob-encodes job's captured arguments under its type tag,
// pairing them with the promise table the worker must substitute
// before invoking Run.
func Encode(tag string, args interface{}, promises map[int]string) (EncodedUserJob, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(args); err != nil {
		return EncodedUserJob{}, fmt.Errorf("encode user job %s: %w", tag, err)
	}
	return EncodedUserJob{
		Version:  encodingVersion,
		TypeTag:  tag,
		Args:     buf.Bytes(),
		Promises: promises,
	}, nil
}

// Decode gob-decodes a job's captured arguments into dst after
// checking the encoding version; it does not consult the Registry.
// dst must be a pointer to the same type Encode was called with.
func Decode(enc EncodedUserJob, dst interface{}) error {
	if enc.Version != encodingVersion {
		return fmt.Errorf("decode user job %s: unsupported encoding version %d", enc.TypeTag, enc.Version)
	}
	if err := gob.NewDecoder(bytes.NewReader(enc.Args)).Decode(dst); err != nil {
		return fmt.Errorf("decode user job %s: %w", enc.TypeTag, err)
	}
	return nil
}

// New constructs a zero-value UserJob for tag via the registry, or an
// error if tag was never registered.
func (r *Registry) New(tag string) (UserJob, error) {
	factory, ok := r.factories[tag]
	if !ok {
		return nil, fmt.Errorf("unregistered user job type tag: %q", tag)
	}
	return factory(), nil
}
