package driver

// DataType is the kind of an input or output stream
type DataType string

const (
	DataNull       DataType = "null"
	DataStructured DataType = "structured"
	DataTabular    DataType = "tabular"
	DataBinary     DataType = "binary"
)

// Descriptor describes one command
type Descriptor struct {
	Name       string
	InputType  DataType
	OutputType DataType
	// Volatile commands mutate state and carry a mutation id
	Volatile bool
	// Heavy commands stream data and are sent with their input as the body
	Heavy bool
}

// HasStructuredIO reports whether the command reads or writes formatted data
func (d Descriptor) HasStructuredIO() bool {
	return d.InputType == DataStructured || d.InputType == DataTabular ||
		d.OutputType == DataStructured || d.OutputType == DataTabular
}

func cmd(name string, in, out DataType, volatile, heavy bool) Descriptor {
	return Descriptor{Name: name, InputType: in, OutputType: out, Volatile: volatile, Heavy: heavy}
}

var descriptors = map[string]Descriptor{}

func init() {
	for _, d := range []Descriptor{
		// Cypress
		cmd("get", DataNull, DataStructured, false, false),
		cmd("set", DataStructured, DataNull, true, false),
		cmd("remove", DataNull, DataNull, true, false),
		cmd("create", DataNull, DataStructured, true, false),
		cmd("copy", DataNull, DataStructured, true, false),
		cmd("move", DataNull, DataStructured, true, false),
		cmd("link", DataNull, DataStructured, true, false),
		cmd("exists", DataNull, DataStructured, false, false),
		cmd("list", DataNull, DataStructured, false, false),
		cmd("lock", DataNull, DataStructured, true, false),
		cmd("concatenate", DataNull, DataNull, true, false),
		cmd("parse_ypath", DataNull, DataStructured, false, false),
		cmd("check_permission", DataNull, DataStructured, false, false),
		cmd("add_member", DataNull, DataNull, true, false),
		cmd("remove_member", DataNull, DataNull, true, false),
		cmd("gc_collect", DataNull, DataNull, true, false),
		cmd("clear_metadata_caches", DataNull, DataNull, false, false),
		cmd("build_snapshot", DataNull, DataStructured, true, false),
		cmd("generate_timestamp", DataNull, DataStructured, false, false),
		cmd("execute_batch", DataNull, DataStructured, true, false),

		// Data
		cmd("read_table", DataNull, DataTabular, false, true),
		cmd("write_table", DataTabular, DataNull, true, true),
		cmd("read_file", DataNull, DataBinary, false, true),
		cmd("write_file", DataBinary, DataNull, true, true),
		cmd("read_journal", DataNull, DataTabular, false, true),
		cmd("write_journal", DataTabular, DataNull, true, true),

		// Dynamic tables
		cmd("insert_rows", DataTabular, DataNull, true, true),
		cmd("delete_rows", DataTabular, DataNull, true, true),
		cmd("select_rows", DataNull, DataTabular, false, true),
		cmd("lookup_rows", DataTabular, DataTabular, false, true),
		cmd("mount_table", DataNull, DataNull, true, false),
		cmd("unmount_table", DataNull, DataNull, true, false),
		cmd("remount_table", DataNull, DataNull, true, false),
		cmd("freeze_table", DataNull, DataNull, true, false),
		cmd("unfreeze_table", DataNull, DataNull, true, false),
		cmd("reshard_table", DataNull, DataNull, true, false),

		// Transactions
		cmd("start_transaction", DataNull, DataStructured, true, false),
		cmd("commit_transaction", DataNull, DataNull, true, false),
		cmd("abort_transaction", DataNull, DataNull, true, false),
		cmd("ping_transaction", DataNull, DataNull, false, false),

		// Operations and jobs
		cmd("start_operation", DataNull, DataStructured, true, false),
		cmd("abort_operation", DataNull, DataNull, true, false),
		cmd("complete_operation", DataNull, DataNull, true, false),
		cmd("suspend_operation", DataNull, DataNull, true, false),
		cmd("resume_operation", DataNull, DataNull, true, false),
		cmd("update_operation_parameters", DataNull, DataNull, true, false),
		cmd("get_operation", DataNull, DataStructured, false, false),
		cmd("list_operations", DataNull, DataStructured, false, false),
		cmd("list_jobs", DataNull, DataStructured, false, false),
		cmd("get_job", DataNull, DataStructured, false, false),
		cmd("get_job_stderr", DataNull, DataBinary, false, true),
		cmd("abort_job", DataNull, DataNull, true, false),
		cmd("abandon_job", DataNull, DataNull, true, false),
		cmd("signal_job", DataNull, DataNull, true, false),
		cmd("dump_job_context", DataNull, DataNull, true, false),
	} {
		descriptors[d.Name] = d
	}
}

// Lookup returns the descriptor of a command
func Lookup(name string) (Descriptor, bool) {
	d, ok := descriptors[name]
	return d, ok
}

// Descriptors returns every known command
func Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	return out
}
