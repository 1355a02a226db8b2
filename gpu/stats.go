package gpu

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/rava/command"
)

func printPool(writer *jwriter.Writer, pool *command.Pool) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Family").Int(pool.Family())
	obj.Name("Pending").Int(pool.PendingCount())
}

// PrintJson writes a json description of the allocator, the pools, the live resources and the
// pipeline cache. Every region of every slab is included if detailed is true.
func (c *Context) PrintJson(writer *jwriter.Writer, detailed bool) {
	obj := writer.Object()
	defer obj.End()

	c.allocator.PrintDetailedMap(obj.Name("Allocator"), detailed)

	poolsObj := obj.Name("Pools").Object()
	printPool(poolsObj.Name("Main"), c.main)
	if c.transfer != c.main {
		printPool(poolsObj.Name("Transfer"), c.transfer)
	}
	poolsObj.End()

	resourcesObj := obj.Name("Resources").Object()
	resourcesObj.Name("Buffers").Int(c.resources.LiveBuffers())
	resourcesObj.Name("Textures").Int(c.resources.LiveTextures())
	resourcesObj.End()

	hits, misses, compiles := c.pipelines.Stats()
	pipelinesObj := obj.Name("Pipelines").Object()
	pipelinesObj.Name("Entries").Int(c.pipelines.Len())
	pipelinesObj.Name("Hits").Int(hits)
	pipelinesObj.Name("Misses").Int(misses)
	pipelinesObj.Name("Compiles").Int(compiles)
	pipelinesObj.End()
}
