//go:build !unix

package host

func uname() unameInfo {
	return unameInfo{}
}
