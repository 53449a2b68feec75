package shell

import (
	"fmt"
	"strings"
)

// Device-side snippets. Every path literal goes through pyQuote.

func pyQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

func pyBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

func openScript(name string) string {
	return "import ubinascii\r\n" +
		fmt.Sprintf("f = open(%s, 'wb')", pyQuote(name))
}

func chunkScript(b64 string) string {
	return fmt.Sprintf("f.write(ubinascii.a2b_base64('%s'))", b64)
}

const closeScript = "f.close()"

const probeHashScript = "import uhashlib\r\nprint(\"Done\")"

func hashScript(name string, chunk int) string {
	return "import uhashlib\r\n" +
		"import ubinascii\r\n" +
		"import sys\r\n" +
		"hash = uhashlib.sha256()\r\n" +
		fmt.Sprintf("with open(%s, 'rb') as f:\r\n", pyQuote(name)) +
		"  while True:\r\n" +
		fmt.Sprintf("    c = f.read(%d)\r\n", chunk) +
		"    if not c:\r\n" +
		"       break\r\n" +
		"    hash.update(c)\r\n" +
		"sys.stdout.write(ubinascii.hexlify(hash.digest()))"
}

func ensureFolderScript(folders []string) string {
	var b strings.Builder
	b.WriteString("import os\r\n" +
		"def ensureFolder(folder):\r\n" +
		"   try:\r\n" +
		"     os.mkdir(folder)\r\n" +
		"   except OSError:\r\n" +
		"     ...\r\n" +
		"\r\n")
	for _, f := range folders {
		fmt.Fprintf(&b, "ensureFolder(%s)\r\n", pyQuote(f))
	}
	return strings.TrimSuffix(b.String(), "\r\n")
}

func readScript(name string, chunk int) string {
	return "import ubinascii,sys\r\n" +
		fmt.Sprintf("with open(%s, 'rb') as f:\r\n", pyQuote(name)) +
		"  while True:\r\n" +
		fmt.Sprintf("    c = ubinascii.b2a_base64(f.read(%d))\r\n", chunk) +
		"    sys.stdout.write(c)\r\n" +
		"    if not len(c) or c == b'\\n':\r\n" +
		"        break"
}

func listdirScript(folder string) string {
	return "import ubinascii, sys, os\r\n" +
		fmt.Sprintf("list = ubinascii.hexlify(str(os.listdir(%s)))\r\n", pyQuote(folder)) +
		"sys.stdout.write(list)"
}

// listJSONScript reports name, type, size and optionally a sha256 of every
// entry below root as a hex-encoded JSON array.
func listJSONScript(root string, recursive, hash bool) string {
	return "import uos as os, json\r\n" +
		"import uhashlib,ubinascii\r\n" +
		"\r\n" +
		"def listdir(path=\".\",sub=False,JSON=True,gethash=False):\r\n" +
		"    li=[]\r\n" +
		"    if path==\".\":\r\n" +
		"        path=os.getcwd()\r\n" +
		"    files = os.listdir(path)\r\n" +
		"    for file in files:\r\n" +
		"        info = {\"Path\": path, \"Name\": file, \"Size\": 0}\r\n" +
		"        if path[-1]==\"/\":\r\n" +
		"            full = \"%s%s\" % (path, file)\r\n" +
		"        else:\r\n" +
		"            full = \"%s/%s\" % (path, file)\r\n" +
		"        subdir = []\r\n" +
		"        try:\r\n" +
		"            stat = os.stat(full)\r\n" +
		"            if stat[0] & 0x4000:\r\n" +
		"                info[\"Type\"] = \"dir\"\r\n" +
		"                if sub == True:\r\n" +
		"                    subdir = listdir(path=full,sub=True,JSON=False,gethash=gethash)\r\n" +
		"            else:\r\n" +
		"                info[\"Size\"] = stat[6]\r\n" +
		"                info[\"Type\"] = \"file\"\r\n" +
		"                if(gethash):\r\n" +
		"                    with open(full, \"rb\") as f:\r\n" +
		"                        h = uhashlib.sha256(f.read())\r\n" +
		"                        info[\"Hash\"] = ubinascii.hexlify(h.digest()).decode()\r\n" +
		"        except OSError as e:\r\n" +
		"            info[\"OSError\"] = e.args[0]\r\n" +
		"            info[\"Type\"] = \"OSError\"\r\n" +
		"        info[\"Fullname\"]=full\r\n" +
		"        li.append(info)\r\n" +
		"        if sub == True:\r\n" +
		"            li = li + subdir\r\n" +
		"    if JSON==True:\r\n" +
		"        return json.dumps(li)\r\n" +
		"    else:\r\n" +
		"        return li\r\n" +
		"\r\n" +
		fmt.Sprintf("print(ubinascii.hexlify(listdir(%s, %s, True, %s).encode()).decode())", pyQuote(root), pyBool(recursive), pyBool(hash))
}

func osCallScript(fn, name string) string {
	return "import os\r\n" + fmt.Sprintf("os.%s(%s)", fn, pyQuote(name))
}

func freeSpaceScript(root string) string {
	return "import os, sys\r\n" +
		fmt.Sprintf("_s = os.statvfs(%s)\r\n", pyQuote(root)) +
		"sys.stdout.write(str(_s[0]*_s[3]))\r\n" +
		"del(_s)"
}

const resetScript = "import machine\r\nmachine.reset()\r\n"
