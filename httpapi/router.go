// Package httpapi implements the HTTP surface from spec.md §6 using
// gin-gonic, the one HTTP-framework found in the retrieval pack.
package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/liteseed/turbo-upload-service/servicecontext"
	"github.com/liteseed/turbo-upload-service/upload"
	"github.com/liteseed/turbo-upload-service/uploaderr"
)

// API wires the upload state machines into gin routes.
type API struct {
	ctx      *servicecontext.Context
	single   *upload.SingleShotMachine
	multipart *upload.MultipartMachine
}

// New builds an API bound to ctx.
func New(ctx *servicecontext.Context) *API {
	return &API{
		ctx:       ctx,
		single:    upload.NewSingleShotMachine(ctx),
		multipart: upload.NewMultipartMachine(ctx),
	}
}

// Register mounts every route from spec.md §6 onto engine.
func (a *API) Register(engine *gin.Engine) {
	engine.POST("/tx", a.postTx)
	engine.POST("/tx/:token", a.postTx)
	engine.GET("/tx/:id/status", a.getTxStatus)

	engine.POST("/chunks/:token", a.createMultipart)
	engine.POST("/chunks/:token/:uploadId/:offset", a.postChunkOrFinalize)
	engine.GET("/chunks/:token/:uploadId", a.listMultipart)
	engine.GET("/chunks/:token/:uploadId/status", a.multipartStatus)
}

func paidBy(c *gin.Context) []string {
	header := c.GetHeader("x-paid-by")
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (a *API) postTx(c *gin.Context) {
	req := upload.Request{
		ContentLength: c.Request.ContentLength,
		ContentType:   c.GetHeader("Content-Type"),
		PaidBy:        paidBy(c),
		Body:          c.Request.Body,
	}

	receipt, err := a.single.Process(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (a *API) getTxStatus(c *gin.Context) {
	id := c.Param("id")
	if status, ok := a.ctx.StatusCache.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"status": status})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown data item id"})
}

func (a *API) createMultipart(c *gin.Context) {
	var chunkSize int64
	if q := c.Query("chunkSize"); q != "" {
		parsed, err := strconv.ParseInt(q, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunkSize"})
			return
		}
		chunkSize = parsed
	}

	result, err := a.multipart.Create(chunkSize)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "min": result.Min, "max": result.Max, "chunkSize": result.ChunkSize})
}

// postChunkOrFinalize handles both POST /chunks/:token/:uploadId/:offset
// (post a chunk) and POST /chunks/:token/:uploadId/-1 (finalize), since
// spec.md §6 distinguishes them only by the literal offset value -1.
func (a *API) postChunkOrFinalize(c *gin.Context) {
	uploadID := c.Param("uploadId")
	offsetParam := c.Param("offset")

	if offsetParam == "-1" {
		record, err := a.multipart.Finalize(uploadID, upload.NewSingleShotMachine(a.ctx))
		if err != nil {
			writeError(c, err)
			return
		}
		if record.Status == upload.MultipartFinalized {
			c.JSON(http.StatusAccepted, record)
			return
		}
		c.JSON(http.StatusOK, record)
		return
	}

	offset, err := strconv.ParseInt(offsetParam, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
		return
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read chunk body"})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Content-Length required and must be positive"})
		return
	}

	if err := a.multipart.PostChunk(uploadID, offset, data); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (a *API) listMultipart(c *gin.Context) {
	uploadID := c.Param("uploadId")
	record, parts, err := a.multipart.List(uploadID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": record, "parts": parts})
}

func (a *API) multipartStatus(c *gin.Context) {
	uploadID := c.Param("uploadId")
	status, reason, err := a.multipart.Status(uploadID)
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	c.JSON(http.StatusOK, body)
}

func writeError(c *gin.Context, err error) {
	status := uploaderr.StatusCode(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
