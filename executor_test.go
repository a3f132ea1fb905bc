package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParserExecutor_Execute(t *testing.T) {
	e := NewParserExecutor(nil)
	pack := ParserPack{
		{Field: "inscricao", Pattern: `(?i)Inscricao:\s*(\d+)`},
		{Field: "nome", Pattern: `(?i)Nome:\s*([^\n]+)`},
	}
	schema := Schema{"inscricao": "", "nome": "", "telefone": ""}

	record := e.Execute(pack, sampleCardText, schema)

	assert.Equal(t, "101943", record.Value("inscricao"))
	assert.Equal(t, "SON GOKU", record.Value("nome"))
	assert.Nil(t, record["telefone"], "fields without a rule come back null")
	assert.Len(t, record, 3, "record domain equals the schema key set")
}

func TestParserExecutor_NoMatchYieldsNull(t *testing.T) {
	e := NewParserExecutor(nil)
	pack := ParserPack{{Field: "inscricao", Pattern: `Matricula:\s*(\d+)`}}

	record := e.Execute(pack, sampleCardText, Schema{"inscricao": ""})

	assert.Nil(t, record["inscricao"])
}

func TestParserExecutor_SkipsFieldsOutsideSchema(t *testing.T) {
	e := NewParserExecutor(nil)
	pack := ParserPack{{Field: "extra", Pattern: `(\d+)`}}

	record := e.Execute(pack, sampleCardText, Schema{"nome": ""})

	assert.NotContains(t, record, "extra")
	assert.Nil(t, record["nome"])
}

func TestParserExecutor_BrokenStoredPattern(t *testing.T) {
	e := NewParserExecutor(nil)
	pack := ParserPack{{Field: "inscricao", Pattern: `([`}}

	record := e.Execute(pack, sampleCardText, Schema{"inscricao": ""})

	assert.Nil(t, record["inscricao"], "uncompilable pattern degrades to null, never panics")
}
