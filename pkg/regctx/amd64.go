package regctx

// amd64 general purpose registers, in linux user_regs_struct order.
var amd64GPR = []struct {
	name    string
	generic string
}{
	{"r15", ""}, {"r14", ""}, {"r13", ""}, {"r12", ""},
	{"rbp", GenericFP}, {"rbx", ""}, {"r11", ""}, {"r10", ""},
	{"r9", ""}, {"r8", ""}, {"rax", ""}, {"rcx", ""},
	{"rdx", ""}, {"rsi", ""}, {"rdi", ""}, {"orig_rax", ""},
	{"rip", GenericPC}, {"cs", ""}, {"eflags", GenericFlags}, {"rsp", GenericSP},
	{"ss", ""}, {"fs_base", ""}, {"gs_base", ""}, {"ds", ""},
	{"es", ""}, {"fs", ""}, {"gs", ""},
}

// AMD64 returns the register definition matching syscall.PtraceRegs on
// linux/amd64, so a PtraceRegs struct encoded little endian is a valid blob.
func AMD64() *Definition {
	def := &Definition{Sets: []string{"General Purpose Registers"}}
	for i, r := range amd64GPR {
		def.Registers = append(def.Registers, RegisterInfo{
			Name:     r.name,
			BitSize:  64,
			Offset:   i * 8,
			Set:      "General Purpose Registers",
			Generic:  r.generic,
			Encoding: "uint",
		})
	}
	_ = def.Validate()
	return def
}
